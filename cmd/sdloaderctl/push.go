package main

import (
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/crucible-systems/sdloader/config"
)

const pushTimeout = 10 * time.Minute

// runPush implements the "push" subcommand: stream a UF2 file to a
// device's netflash receiver, matching the "LOAD <filename>\n" + raw
// block stream + one result line wire protocol that package listens for.
func runPush(args []string) {
	fs := flag.NewFlagSet("push", flag.ExitOnError)
	port := fs.Int("port", config.DefaultNetflashPort, "device netflash port")
	fs.Parse(args)

	if fs.NArg() < 2 {
		fmt.Fprintln(os.Stderr, "usage: sdloaderctl push [-port N] <host> <file.uf2>")
		os.Exit(1)
	}
	host, path := fs.Arg(0), fs.Arg(1)

	if err := push(host, *port, path); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func push(host string, port int, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open firmware: %w", err)
	}
	defer f.Close()
	stat, err := f.Stat()
	if err != nil {
		return err
	}

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	fmt.Printf("Connecting to %s...\n", addr)

	conn, err := net.DialTimeout("tcp", addr, defaultTimeout)
	if err != nil {
		return fmt.Errorf("connect failed: %w", err)
	}
	defer conn.Close()

	header := fmt.Sprintf("LOAD %s\n", filepath.Base(path))
	if _, err := conn.Write([]byte(header)); err != nil {
		return fmt.Errorf("send header: %w", err)
	}

	fmt.Printf("Sending %s (%d bytes)...\n", filepath.Base(path), stat.Size())
	conn.SetWriteDeadline(time.Now().Add(pushTimeout))
	if _, err := io.Copy(conn, f); err != nil {
		return fmt.Errorf("send firmware: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(pushTimeout))
	response := make([]byte, 256)
	n, err := conn.Read(response)
	if err != nil {
		return fmt.Errorf("no result from device: %w", err)
	}

	result := string(response[:n])
	fmt.Printf("Result: %s", result)
	if len(result) == 0 || result[len(result)-1] != '\n' {
		fmt.Println()
	}
	return nil
}
