package client

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/rudransh-shrivastava/dropbridge/internal/protocol"
)

// Prompt asks on out and reads the answer from in. Anything but "y" or
// "yes" declines.
func Prompt(in io.Reader, out io.Writer) AcceptFunc {
	var mu sync.Mutex
	scanner := bufio.NewScanner(in)

	return func(req *protocol.CanAcceptRequest) bool {
		mu.Lock()
		defer mu.Unlock()

		fmt.Fprintf(out, "%s wants to send %s", req.SenderName, describe(req))
		fmt.Fprint(out, ". Accept? [y/N] ")
		if !scanner.Scan() {
			return false
		}
		answer := strings.ToLower(strings.TrimSpace(scanner.Text()))
		return answer == "y" || answer == "yes"
	}
}

func describe(req *protocol.CanAcceptRequest) string {
	switch len(req.Files) {
	case 0:
		return "something"
	case 1:
		return req.Files[0].Name
	default:
		return fmt.Sprintf("%d files", len(req.Files))
	}
}
