package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// RunStdio serves newline-delimited JSON-RPC on in/out until in is exhausted or ctx ends.
// Stdio callers are trusted locally, so no session header or scope is required.
func RunStdio(ctx context.Context, srv *Server, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 64<<20)
	writer := bufio.NewWriter(out)
	defer writer.Flush()

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req Request
		resp := Response{JSONRPC: "2.0"}
		if err := json.Unmarshal(line, &req); err != nil {
			resp.Error = &ResponseError{Code: codeParse, Message: "invalid json"}
		} else {
			resp.ID = req.ID
			// Notifications carry no id and get no reply.
			if req.ID == nil && isNotification(req.Method) {
				continue
			}
			result, err := srv.dispatch(ctx, req)
			if err != nil {
				rerr := errorFor(err)
				resp.Error = &rerr
			} else {
				resp.Result = result
			}
		}
		data, err := json.Marshal(resp)
		if err != nil {
			return err
		}
		if _, err := writer.Write(append(data, '\n')); err != nil {
			return err
		}
		if err := writer.Flush(); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("stdio scan error: %w", err)
	}
	return nil
}

func isNotification(method string) bool {
	return strings.HasPrefix(method, "notifications/")
}
