package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	psdp "github.com/pion/sdp/v3"

	"github.com/flowpbx/pbxsignal/internal/client"
)

const usage = `commands:
  dial <ext>          call an extension
  answer <call>       answer a ringing call
  reject <call>       reject a ringing call
  hangup <call>       end a call
  accept <queuecall>  take an offered queue call
  decline <queuecall> decline an offered queue call
  qhangup <queuecall> end a held queue call
  presence            list extension status
  calls               list live calls and queue calls
  quit`

type phone struct {
	c *client.Client

	mu  sync.Mutex
	out *bufio.Writer
}

func (p *phone) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, format+"\n", args...)
	p.out.Flush()
}

func (p *phone) flush() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.out.Flush()
}

func (p *phone) notice(n client.Notice) {
	switch n.Kind {
	case client.NoticeReady:
		id := p.c.Identity()
		suffix := ""
		if !n.Fresh {
			suffix = " (presence unavailable)"
		}
		p.printf("registered as %s %s%s", id.ExtensionID, id.DisplayName, suffix)
	case client.NoticeDisconnected:
		p.printf("disconnected, reconnecting")
	case client.NoticePresenceChanged:
		p.printf("%s is %s", n.Peer, n.Status)
	case client.NoticeIncomingCall:
		p.printf("incoming call %s from %s %s", n.CallID, n.Peer, n.PeerName)
	case client.NoticeCallPlaced:
		p.printf("calling %s (%s)", n.Peer, n.CallID)
	case client.NoticeCallAnswered:
		p.printf("call %s connected", n.CallID)
	case client.NoticeCallEnded:
		p.printf("call %s ended: %s", n.CallID, endReason(n))
	case client.NoticeCallFailed:
		p.printf("call to %s failed: %s %s", n.Peer, n.Code, n.Message)
	case client.NoticeQueueOffer:
		p.printf("queue call %s from %s on %s", n.QueueCallID, n.CallerNumber, n.QueueID)
	case client.NoticeQueueTaken:
		p.printf("queue call %s withdrawn", n.QueueCallID)
	case client.NoticeQueueAccepted:
		p.printf("queue call %s taken, bridging", n.QueueCallID)
	case client.NoticeQueueConnected:
		p.printf("queue call %s connected", n.QueueCallID)
	case client.NoticeQueueEnded:
		p.printf("queue call %s ended: %s", n.QueueCallID, n.Reason)
	case client.NoticeError:
		p.printf("error: %s %s", n.Code, n.Message)
	case client.NoticeSuperseded:
		p.printf("logged in elsewhere, exiting")
	}
}

func endReason(n client.Notice) string {
	if n.Reason != "" {
		return string(n.Reason)
	}
	return string(n.Code)
}

// repl reads commands until EOF or quit, then calls stop.
func (p *phone) repl(ctx context.Context, in io.Reader, stop func()) {
	defer stop()
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		cmd, arg := parseCommand(scanner.Text())
		if cmd == "" {
			continue
		}
		if cmd == "quit" || cmd == "exit" {
			return
		}
		if err := p.exec(cmd, arg); err != nil {
			p.printf("%v", err)
		}
	}
}

func parseCommand(line string) (cmd, arg string) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", ""
	}
	cmd = strings.ToLower(fields[0])
	if len(fields) > 1 {
		arg = fields[1]
	}
	return cmd, arg
}

var errMissingArg = errors.New("missing argument, type help")

func (p *phone) exec(cmd, arg string) error {
	needArg := func(fn func(string) error) error {
		if arg == "" {
			return errMissingArg
		}
		return fn(arg)
	}

	switch cmd {
	case "help", "?":
		p.printf("%s", usage)
		return nil
	case "dial":
		return needArg(func(ext string) error {
			offer, err := placeholderSDP()
			if err != nil {
				return err
			}
			return p.c.Dial(ext, offer)
		})
	case "answer":
		return needArg(func(id string) error {
			answer, err := placeholderSDP()
			if err != nil {
				return err
			}
			return p.c.Answer(id, answer)
		})
	case "reject":
		return needArg(p.c.Reject)
	case "hangup":
		return needArg(p.c.Hangup)
	case "accept":
		return needArg(p.c.AcceptQueue)
	case "decline":
		return needArg(p.c.RejectQueue)
	case "qhangup":
		return needArg(p.c.HangupQueue)
	case "presence":
		entries, fresh := p.c.Presence()
		if !fresh {
			p.printf("(presence may be stale)")
		}
		for _, e := range entries {
			p.printf("%-8s %-10s %s", e.ExtensionID, e.Status, e.DisplayName)
		}
		return nil
	case "calls":
		for _, call := range p.c.Calls() {
			dir := "in"
			if call.Outgoing {
				dir = "out"
			}
			p.printf("call  %s %-3s %-8s %s", call.ID, dir, call.Peer, call.State)
		}
		for _, o := range p.c.QueueOffers() {
			p.printf("queue %s %-8s %-12s %s", o.ID, o.QueueID, o.CallerNumber, o.State)
		}
		return nil
	}
	return fmt.Errorf("unknown command %q, type help", cmd)
}

// placeholderSDP builds an audio-only session description. No media is
// sent; the server only needs something that parses.
func placeholderSDP() (string, error) {
	sd, err := psdp.NewJSEPSessionDescription(false)
	if err != nil {
		return "", fmt.Errorf("creating session description: %w", err)
	}
	sd = sd.WithMedia(psdp.NewJSEPMediaDescription("audio", nil).
		WithCodec(111, "opus", 48000, 2, "minptime=10;useinbandfec=1").
		WithPropertyAttribute(psdp.AttrKeyRTCPMux).
		WithValueAttribute(psdp.AttrKeyMID, "0"))
	body, err := sd.Marshal()
	if err != nil {
		return "", fmt.Errorf("encoding session description: %w", err)
	}
	return string(body), nil
}
