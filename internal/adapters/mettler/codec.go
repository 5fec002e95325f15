// Package mettler talks the ASCII request/response protocol of a Mettler
// Toledo load cell and maintains a continuously refreshed weight value.
package mettler

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ZLoverty/hepic-server/internal/domain"
)

// CommandSI requests a single immediate weight value.
const CommandSI = "SI\r\n"

var (
	// ErrMalformedResponse marks responses with too few tokens or a leading
	// token other than "S".
	ErrMalformedResponse = errors.New("mettler: malformed response")
	// ErrBadNumber marks responses whose gross-weight token is not a float.
	ErrBadNumber = errors.New("mettler: gross weight is not a number")
)

// ParseSI decodes the response to an SI command. The expected format is a
// whitespace-delimited line `S <status> <gross> <unit>`. Extra trailing tokens
// are ignored. ParseSI performs no I/O and holds no state.
func ParseSI(raw []byte) (domain.Reading, error) {
	parts := strings.Fields(string(raw))
	if len(parts) < 4 {
		return domain.Reading{}, fmt.Errorf("%w: expected at least 4 tokens, got %d in %q", ErrMalformedResponse, len(parts), string(raw))
	}
	if parts[0] != "S" {
		return domain.Reading{}, fmt.Errorf("%w: leading token %q, want \"S\"", ErrMalformedResponse, parts[0])
	}

	gross, err := strconv.ParseFloat(parts[2], 64)
	if err != nil {
		return domain.Reading{}, fmt.Errorf("%w: %q: %v", ErrBadNumber, parts[2], err)
	}

	return domain.Reading{
		Status: parts[1],
		Gross:  gross,
		Unit:   parts[3],
	}, nil
}
