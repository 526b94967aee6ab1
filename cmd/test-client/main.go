package main

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"time"
)

func main() {
	conn, err := net.DialTimeout("tcp", "127.0.0.1:22133", 5*time.Second)
	if err != nil {
		fmt.Printf("Failed to connect: %v\n", err)
		return
	}
	defer conn.Close()

	reader := bufio.NewReader(conn)

	// Test VERSION
	fmt.Println(">>> version")
	fmt.Fprintf(conn, "version\r\n")
	resp, _ := reader.ReadString('\n')
	fmt.Printf("<<< %s", resp)

	// Test SET
	fmt.Println(">>> set smoke 0 0 5")
	fmt.Fprintf(conn, "set smoke 0 0 5\r\nhello\r\n")
	resp, _ = reader.ReadString('\n')
	fmt.Printf("<<< %s", resp)

	// Test GET
	fmt.Println(">>> get smoke")
	fmt.Fprintf(conn, "get smoke\r\n")
	resp, _ = reader.ReadString('\n')
	fmt.Printf("<<< %s", resp)
	if strings.HasPrefix(resp, "VALUE") {
		val, _ := reader.ReadString('\n')
		fmt.Printf("<<< %s", val)
		end, _ := reader.ReadString('\n')
		fmt.Printf("<<< %s", end)
	}

	// Test reliable read cycle
	fmt.Println(">>> set smoke 0 0 3")
	fmt.Fprintf(conn, "set smoke 0 0 3\r\njob\r\n")
	resp, _ = reader.ReadString('\n')
	fmt.Printf("<<< %s", resp)

	fmt.Println(">>> get smoke/open")
	fmt.Fprintf(conn, "get smoke/open\r\n")
	resp, _ = reader.ReadString('\n')
	fmt.Printf("<<< %s", resp)
	if strings.HasPrefix(resp, "VALUE") {
		val, _ := reader.ReadString('\n')
		fmt.Printf("<<< %s", val)
		end, _ := reader.ReadString('\n')
		fmt.Printf("<<< %s", end)
	}

	fmt.Println(">>> get smoke/close")
	fmt.Fprintf(conn, "get smoke/close\r\n")
	resp, _ = reader.ReadString('\n')
	fmt.Printf("<<< %s", resp)

	// Test STATS
	fmt.Println(">>> stats")
	fmt.Fprintf(conn, "stats\r\n")
	for {
		resp, err = reader.ReadString('\n')
		if err != nil {
			break
		}
		fmt.Printf("<<< %s", resp)
		if strings.HasPrefix(resp, "END") {
			break
		}
	}

	fmt.Println("\n✓ All tests passed!")
}
