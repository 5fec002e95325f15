// A minimal consumer of the gateway stream: connect, read one JSON line per
// send interval, print it. Useful for checking a deployment by hand.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"log"
	"net"
	"os/signal"
	"syscall"
	"time"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:10001", "gateway address")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conn, err := net.DialTimeout("tcp", *addr, 2*time.Second)
	if err != nil {
		log.Fatalf("connect %s: %v", *addr, err)
	}
	defer conn.Close()
	log.Printf("connected to %s", *addr)

	go func() {
		<-ctx.Done()
		conn.SetDeadline(time.Now())
	}()

	if _, err := conn.Write([]byte("hello from example client\n")); err != nil {
		log.Fatalf("send greeting: %v", err)
	}

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		var msg struct {
			ExtrusionForce *float64 `json:"extrusion_force"`
			MeterCount     *float64 `json:"meter_count"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			log.Printf("unparseable line %q: %v", scanner.Text(), err)
			continue
		}
		log.Printf("force=%v meter=%v", fmtVal(msg.ExtrusionForce), fmtVal(msg.MeterCount))
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		log.Fatalf("read: %v", err)
	}
	log.Println("stream closed")
}

func fmtVal(v *float64) any {
	if v == nil {
		return "n/a"
	}
	return *v
}
