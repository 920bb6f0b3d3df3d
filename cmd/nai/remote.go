package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/chazu/nai/server"
)

// runRemote sends each file to the execution service at addr and copies
// the program output to w. It returns the value of the last program as the
// exit code.
func runRemote(ctx context.Context, addr string, paths []string, entry string, maxInstructions uint64, w io.Writer) (int, error) {
	client, err := server.Dial(addr)
	if err != nil {
		return 1, err
	}
	defer client.Close()

	code := 0
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return 1, fmt.Errorf("cannot read %s: %w", p, err)
		}
		res, err := client.Run(ctx, server.RunRequest{
			Name:            filepath.Base(p),
			Source:          string(data),
			Entry:           entry,
			MaxInstructions: maxInstructions,
		})
		if err != nil {
			return 1, err
		}
		io.WriteString(w, res.Output)
		if !res.OK {
			for _, d := range res.Diagnostics {
				fmt.Fprintf(os.Stderr, "%s:%d:%d: %s\n", filepath.Base(p), d.Line, d.Column, d.Message)
			}
			return 1, fmt.Errorf("%s: %s", p, res.Error)
		}
		code = int(res.Value)
	}
	return code, nil
}
