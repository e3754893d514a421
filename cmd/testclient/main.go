package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/atsika/pronet"
)

// consoleObserver prints every upcall to stdout so testclient doubles as a
// manual protocol exerciser (spec.md §6's "thin test client" binary).
type consoleObserver struct {
	mu   sync.Mutex
	self pronet.MsgUser
}

func (o *consoleObserver) OnOk(c *pronet.MsgClient, user pronet.MsgUser, publicIP string) {
	o.mu.Lock()
	o.self = user
	o.mu.Unlock()
	fmt.Printf("ok: logged in as %s, public ip %s\n", user, publicIP)
}

func (o *consoleObserver) OnRecv(c *pronet.MsgClient, src pronet.MsgUser, charset uint16, body []byte) {
	fmt.Printf("recv from %s (charset %d): %s\n", src, charset, body)
}

func (o *consoleObserver) OnClose(c *pronet.MsgClient, err error) {
	fmt.Printf("closed: %v\n", err)
	os.Exit(0)
}

func (o *consoleObserver) OnHeartbeat(c *pronet.MsgClient) {}

func (o *consoleObserver) LocalUser() pronet.MsgUser {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.self
}

func main() {
	var addr, password, userSpec string

	root := &cobra.Command{
		Use:   "testclient",
		Short: "Manual protocol exerciser for the pronet messaging fabric",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(addr, userSpec, password)
		},
	}
	root.Flags().StringVar(&addr, "addr", "tcp://127.0.0.1:7890", "server or c2s relay address")
	root.Flags().StringVar(&userSpec, "user", "2-0-0", "claimed identity, classId-userId-instId (userId 0 requests dynamic allocation)")
	root.Flags().StringVar(&password, "password", "", "login password")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// run connects and drives a line-oriented REPL: "<dst> <text>" sends text
// to dst (classId-userId-instId); a bare line sends to the assigned self.
func run(addr, userSpec, password string) error {
	claimed, err := pronet.ParseMsgUser(userSpec)
	if err != nil {
		return fmt.Errorf("user: %w", err)
	}

	obs := &consoleObserver{}
	c, err := pronet.DialMsgClient(addr, claimed, password, obs)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer c.Close()

	fmt.Println("connected; each line is \"<dst> <text>\" or just <text> to echo to yourself")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Text()
		dst := obs.LocalUser()
		text := line
		if parts := strings.SplitN(line, " ", 2); len(parts) == 2 {
			if parsed, perr := pronet.ParseMsgUser(parts[0]); perr == nil {
				dst = parsed
				text = parts[1]
			}
		}
		if dst.IsZero() {
			fmt.Println("not logged in yet")
			continue
		}
		if !c.SendMsg([]byte(text), 0, dst) {
			fmt.Println("send failed (backpressure or closed)")
		}
	}
	return scanner.Err()
}
