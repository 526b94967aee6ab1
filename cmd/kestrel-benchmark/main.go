// kestrel-benchmark - Load generator for Kestrel
//
// Usage:
//
//	kestrel-benchmark [flags]
//
// Flags:
//
//	-addr string     Server address (default "localhost:22133")
//	-clients int     Number of parallel clients (default 50)
//	-requests int    Total number of requests (default 100000)
//	-queue string    Queue name to drive (default "bench")
//	-size int        Payload size in bytes (default 64)
//	-test string     Test type: set,get,mixed (default "mixed")
package main

import (
	"bufio"
	"bytes"
	"flag"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

func main() {
	addr := flag.String("addr", "localhost:22133", "Server address")
	clients := flag.Int("clients", 50, "Number of parallel clients")
	requests := flag.Int("requests", 100000, "Total number of requests")
	queueName := flag.String("queue", "bench", "Queue name to drive")
	size := flag.Int("size", 64, "Payload size in bytes")
	testType := flag.String("test", "mixed", "Test type: set,get,mixed")
	flag.Parse()

	fmt.Println("====== Kestrel Benchmark ======")
	fmt.Printf("Server: %s\n", *addr)
	fmt.Printf("Clients: %d\n", *clients)
	fmt.Printf("Requests: %d\n", *requests)
	fmt.Printf("Queue: %s\n", *queueName)
	fmt.Printf("Test: %s\n", *testType)
	fmt.Println()

	payload := bytes.Repeat([]byte("k"), *size)
	setLine := fmt.Sprintf("set %s 0 0 %d\r\n", *queueName, len(payload))
	getLine := fmt.Sprintf("get %s\r\n", *queueName)

	var completed int64
	var errors int64
	reqPerClient := *requests / *clients

	start := time.Now()
	var wg sync.WaitGroup

	for i := 0; i < *clients; i++ {
		wg.Add(1)
		go func(clientID int) {
			defer wg.Done()

			conn, err := net.DialTimeout("tcp", *addr, 5*time.Second)
			if err != nil {
				atomic.AddInt64(&errors, int64(reqPerClient))
				return
			}
			defer conn.Close()
			reader := bufio.NewReader(conn)

			doSet := func() bool {
				if _, err := conn.Write(append([]byte(setLine), append(payload, '\r', '\n')...)); err != nil {
					return false
				}
				resp, err := reader.ReadString('\n')
				return err == nil && strings.HasPrefix(resp, "STORED")
			}
			doGet := func() bool {
				if _, err := conn.Write([]byte(getLine)); err != nil {
					return false
				}
				for {
					resp, err := reader.ReadString('\n')
					if err != nil {
						return false
					}
					if strings.HasPrefix(resp, "END") {
						return true
					}
				}
			}

			for r := 0; r < reqPerClient; r++ {
				var ok bool
				switch *testType {
				case "set":
					ok = doSet()
				case "get":
					ok = doGet()
				default:
					if r%2 == 0 {
						ok = doSet()
					} else {
						ok = doGet()
					}
				}
				if ok {
					atomic.AddInt64(&completed, 1)
				} else {
					atomic.AddInt64(&errors, 1)
				}
			}
		}(i)
	}

	wg.Wait()
	elapsed := time.Since(start)

	fmt.Printf("Completed: %d\n", completed)
	fmt.Printf("Errors: %d\n", errors)
	fmt.Printf("Duration: %v\n", elapsed)
	fmt.Printf("Throughput: %.0f req/sec\n", float64(completed)/elapsed.Seconds())
}
