// A stand-in load cell for bench testing: answers every SI command with a
// fixed weight in the Mettler ASCII format.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os/signal"
	"strings"
	"syscall"
)

func main() {
	addr := flag.String("addr", "0.0.0.0:1026", "listen address")
	weight := flag.Float64("weight", 0.0072, "gross weight to report, in kg")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", *addr)
	if err != nil {
		log.Fatalf("listen %s: %v", *addr, err)
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	log.Printf("mock sensor on %s reporting %.4f kg", *addr, *weight)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("accept: %v", err)
			continue
		}
		go serve(conn, *weight)
	}
}

func serve(conn net.Conn, weight float64) {
	defer conn.Close()
	log.Printf("client %s connected", conn.RemoteAddr())

	buf := make([]byte, 1024)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			log.Printf("client %s gone: %v", conn.RemoteAddr(), err)
			return
		}
		cmd := strings.TrimSpace(string(buf[:n]))
		if cmd != "SI" {
			log.Printf("ignoring command %q", cmd)
			continue
		}
		reply := fmt.Sprintf("S S %.4f kg\r\n", weight)
		if _, err := conn.Write([]byte(reply)); err != nil {
			log.Printf("write to %s: %v", conn.RemoteAddr(), err)
			return
		}
	}
}
