package cmd

import (
	"bufio"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/talon/internal/config"
	"github.com/nextlevelbuilder/talon/pkg/protocol"
)

var (
	sessionKeyFlag   string
	sessionAliasFlag string
	sessionWaitFlag  bool
)

func sessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Talk to a running session over its control socket",
	}
	cmd.PersistentFlags().StringVarP(&sessionKeyFlag, "key", "k", "", "session key (e.g. slack:C123:169.42)")
	cmd.PersistentFlags().StringVarP(&sessionAliasFlag, "alias", "a", "", "session alias (resolved via the alias symlink)")

	send := &cobra.Command{
		Use:   "send <message>",
		Short: "Send a message into the session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return sessionSend(args[0])
		},
	}
	send.Flags().BoolVarP(&sessionWaitFlag, "wait", "w", false, "wait for the turn to finish and print the reply")
	cmd.AddCommand(send)

	cmd.AddCommand(&cobra.Command{
		Use:   "message",
		Short: "Print the last assistant message",
		RunE: func(cmd *cobra.Command, args []string) error {
			return sessionSimple(protocol.TypeGetMessage, nil, "message")
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "summary",
		Short: "Print a summary of the latest exchange",
		RunE: func(cmd *cobra.Command, args []string) error {
			return sessionSimple(protocol.TypeGetSummary, nil, "summary")
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Reset the session transcript",
		RunE: func(cmd *cobra.Command, args []string) error {
			return sessionSimple(protocol.TypeClear, nil, "")
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "abort",
		Short: "Abort the in-flight turn and drain the queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return sessionSimple(protocol.TypeAbort, nil, "")
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List active sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return sessionLegacy(protocol.ActionList)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Check the control plane over the socket",
		RunE: func(cmd *cobra.Command, args []string) error {
			return sessionLegacy(protocol.ActionHealth)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "stop",
		Short: "Stop the session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return sessionLegacy(protocol.ActionStop)
		},
	})
	return cmd
}

// socketDir returns {dir-of-control-socket}/session-control.
func socketDir() (string, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return "", err
	}
	return filepath.Join(filepath.Dir(cfg.ControlSocketPath), "session-control"), nil
}

// resolveSocketPath maps --alias or --key onto a socket path. With
// neither flag, any live socket is used (enough for list/health).
func resolveSocketPath() (string, error) {
	dir, err := socketDir()
	if err != nil {
		return "", err
	}
	if sessionAliasFlag != "" {
		return filepath.Join(dir, sessionAliasFlag+".alias"), nil
	}
	if sessionKeyFlag != "" {
		sum := sha1.Sum([]byte(sessionKeyFlag))
		return filepath.Join(dir, hex.EncodeToString(sum[:])+".sock"), nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("no session socket directory at %s: %w", dir, err)
	}
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".sock" {
			return filepath.Join(dir, e.Name()), nil
		}
	}
	return "", fmt.Errorf("no live session sockets in %s", dir)
}

type socketConn struct {
	conn net.Conn
	rd   *bufio.Scanner
}

func dialSessionSocket() (*socketConn, error) {
	path, err := resolveSocketPath()
	if err != nil {
		return nil, err
	}
	conn, err := net.DialTimeout("unix", path, 3*time.Second)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w (is the daemon running?)", path, err)
	}
	rd := bufio.NewScanner(conn)
	rd.Buffer(make([]byte, 64*1024), protocol.MaxLineBytes)
	return &socketConn{conn: conn, rd: rd}, nil
}

func (c *socketConn) Close() error { return c.conn.Close() }

func (c *socketConn) write(doc map[string]interface{}) error {
	line, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	_, err = c.conn.Write(append(line, '\n'))
	return err
}

// readDoc reads one NDJSON document of either shape.
func (c *socketConn) readDoc(timeout time.Duration) (map[string]json.RawMessage, error) {
	c.conn.SetReadDeadline(time.Now().Add(timeout))
	if !c.rd.Scan() {
		if err := c.rd.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("connection closed")
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(c.rd.Bytes(), &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func docString(doc map[string]json.RawMessage, field string) string {
	var s string
	json.Unmarshal(doc[field], &s)
	return s
}

func responseError(doc map[string]json.RawMessage) error {
	var ok bool
	json.Unmarshal(doc["success"], &ok)
	if ok {
		return nil
	}
	return fmt.Errorf("%s", docString(doc, "error"))
}

// sessionSend delivers one message; with --wait it subscribes for the
// turn_end event first so the reply cannot slip past.
func sessionSend(message string) error {
	c, err := dialSessionSocket()
	if err != nil {
		return err
	}
	defer c.Close()

	if sessionWaitFlag {
		if err := c.write(map[string]interface{}{"type": protocol.TypeSubscribe, "id": "sub-1", "event": protocol.EventTurnEnd}); err != nil {
			return err
		}
		doc, err := c.readDoc(5 * time.Second)
		if err != nil {
			return err
		}
		if err := responseError(doc); err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}
	}

	if err := c.write(map[string]interface{}{"type": protocol.TypeSend, "id": "send-1", "message": message}); err != nil {
		return err
	}
	doc, err := c.readDoc(5 * time.Second)
	if err != nil {
		return err
	}
	if err := responseError(doc); err != nil {
		return err
	}
	if !sessionWaitFlag {
		var data struct {
			Mode string `json:"mode"`
		}
		json.Unmarshal(doc["data"], &data)
		fmt.Printf("delivered (%s)\n", data.Mode)
		return nil
	}

	// Wait for the turn to finish; turn_end carries the reply.
	ev, err := c.readDoc(10 * time.Minute)
	if err != nil {
		return err
	}
	var data struct {
		Message *struct {
			Content string `json:"content"`
		} `json:"message"`
	}
	if err := json.Unmarshal(ev["data"], &data); err == nil && data.Message != nil {
		fmt.Println(data.Message.Content)
		return nil
	}
	fmt.Fprintln(os.Stderr, "(turn finished with no reply)")
	return nil
}

// sessionSimple runs one modern command and prints either a data field
// or a bare ok.
func sessionSimple(cmdType string, extra map[string]interface{}, printField string) error {
	c, err := dialSessionSocket()
	if err != nil {
		return err
	}
	defer c.Close()

	doc := map[string]interface{}{"type": cmdType, "id": "cli-1"}
	for k, v := range extra {
		doc[k] = v
	}
	if err := c.write(doc); err != nil {
		return err
	}
	resp, err := c.readDoc(10 * time.Second)
	if err != nil {
		return err
	}
	if err := responseError(resp); err != nil {
		return err
	}
	if printField == "" {
		fmt.Println("ok")
		return nil
	}
	var data map[string]json.RawMessage
	json.Unmarshal(resp["data"], &data)
	if raw, ok := data[printField]; ok && string(raw) != "null" {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			fmt.Println(s)
		} else {
			fmt.Println(string(raw))
		}
		return nil
	}
	fmt.Println("(none)")
	return nil
}

// sessionLegacy runs one action-tagged command and prints the raw data.
func sessionLegacy(action string) error {
	c, err := dialSessionSocket()
	if err != nil {
		return err
	}
	defer c.Close()

	doc := map[string]interface{}{"action": action, "id": "cli-1"}
	if sessionKeyFlag != "" {
		doc["sessionKey"] = sessionKeyFlag
	}
	if err := c.write(doc); err != nil {
		return err
	}
	resp, err := c.readDoc(10 * time.Second)
	if err != nil {
		return err
	}
	if err := responseError(resp); err != nil {
		return err
	}
	if raw, ok := resp["data"]; ok {
		out, _ := json.MarshalIndent(json.RawMessage(raw), "", "  ")
		fmt.Println(string(out))
	} else {
		fmt.Println("ok")
	}
	return nil
}
