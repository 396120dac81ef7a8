package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/term"

	"github.com/wippyai/exthost/dispatch"
	"github.com/wippyai/exthost/errors"
	"github.com/wippyai/exthost/extension"
	"github.com/wippyai/exthost/host"
	"github.com/wippyai/exthost/transport"
)

// session is one console connection to a running host.
type session struct {
	client *transport.Client
	thread uint64
	scope  string
	held   []uint32
}

func runConsole(args []string) error {
	fs := flag.NewFlagSet("console", flag.ContinueOnError)
	url := fs.String("url", "ws://127.0.0.1:7000"+transport.DefaultPath, "Host endpoint")
	thread := fs.Uint64("thread", 1, "Thread id sent with every call")
	plain := fs.Bool("plain", false, "Line mode even on a terminal")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx := context.Background()
	c, err := transport.Dial(ctx, *url)
	if err != nil {
		return err
	}
	defer c.Close()
	s := &session{client: c, thread: *thread}

	if *plain || !term.IsTerminal(int(os.Stdin.Fd())) {
		return s.lines(ctx, os.Stdin, os.Stdout)
	}
	return runInteractive(ctx, s, *url)
}

func (s *session) stats(ctx context.Context) (*host.Stats, error) {
	res, err := s.client.Call(ctx, &dispatch.Call{Kind: dispatch.KindStats, Thread: s.thread})
	if err != nil {
		return nil, err
	}
	// stats arrive as generic JSON; decode them into the host's shape
	data, err := json.Marshal(res.Stats)
	if err != nil {
		return nil, err
	}
	var st host.Stats
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, errors.New(errors.PhaseTransport, errors.KindInvalidData).Cause(err).Detail("decode stats").Build()
	}
	return &st, nil
}

// call invokes fn with text arguments converted according to sig. Handles
// owned by an explicit scope are kept for a later release.
func (s *session) call(ctx context.Context, sig *extension.Signature, raw []string) (*dispatch.Result, error) {
	if len(raw) != len(sig.Params) {
		return nil, errors.InvalidInput(errors.PhaseDispatch, fmt.Sprintf("%s takes %d arguments, got %d", sig.Name, len(sig.Params), len(raw)))
	}
	args := make([]any, len(raw))
	for i, text := range raw {
		v, err := parseArg(sig.Params[i], text)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}
	res, err := s.client.Call(ctx, &dispatch.Call{
		Kind:     dispatch.KindCall,
		Function: sig.Name,
		Args:     args,
		Thread:   s.thread,
	})
	if err != nil {
		return nil, err
	}
	// own<T> arguments moved to the extension
	for i, p := range sig.Params {
		if p.Kind == extension.KindOwn {
			s.forget(args[i])
		}
	}
	s.held = append(s.held, res.Owned...)
	return res, nil
}

func (s *session) forget(arg any) {
	n, ok := arg.(uint64)
	if !ok {
		return
	}
	for i, h := range s.held {
		if uint64(h) == n {
			s.held = append(s.held[:i], s.held[i+1:]...)
			return
		}
	}
}

// toggleScope begins an explicit scope, or ends the current one.
func (s *session) toggleScope(ctx context.Context) error {
	if s.scope != "" {
		if err := s.releaseHeld(ctx); err != nil {
			return err
		}
		if _, err := s.client.Call(ctx, &dispatch.Call{Kind: dispatch.KindEnd, Thread: s.thread}); err != nil {
			return err
		}
		s.scope = ""
		return nil
	}
	res, err := s.client.Call(ctx, &dispatch.Call{Kind: dispatch.KindBegin, Thread: s.thread})
	if err != nil {
		return err
	}
	s.scope = res.Scope
	return nil
}

func (s *session) releaseHeld(ctx context.Context) error {
	for len(s.held) > 0 {
		h := s.held[0]
		if _, err := s.client.Call(ctx, &dispatch.Call{Kind: dispatch.KindRelease, Handle: h, Thread: s.thread}); err != nil {
			return err
		}
		s.held = s.held[1:]
	}
	return nil
}

// parseArg converts console text into the value a parameter expects.
func parseArg(p extension.Param, text string) (any, error) {
	var (
		v   any
		err error
	)
	switch p.Kind {
	case extension.KindString:
		return text, nil
	case extension.KindBool:
		v, err = strconv.ParseBool(text)
	case extension.KindS32:
		v, err = strconv.ParseInt(text, 10, 32)
	case extension.KindS64:
		v, err = strconv.ParseInt(text, 10, 64)
	case extension.KindU32, extension.KindOwn, extension.KindBorrow:
		v, err = strconv.ParseUint(text, 10, 32)
	case extension.KindU64:
		v, err = strconv.ParseUint(text, 10, 64)
	case extension.KindF32:
		v, err = strconv.ParseFloat(text, 32)
	case extension.KindF64:
		v, err = strconv.ParseFloat(text, 64)
	default:
		return nil, errors.InvalidInput(errors.PhaseDispatch, "unsupported parameter type "+p.Type)
	}
	if err != nil {
		return nil, errors.New(errors.PhaseDispatch, errors.KindInvalidInput).
			Cause(err).
			Detail("argument %s: %q is not a %s", p.Name, text, p.Type).
			Build()
	}
	return v, nil
}

// lines runs the console without a terminal: one command per input line.
//
//	list             exported functions
//	stats            host counters as JSON
//	scope            begin or end an explicit scope
//	release          release handles held by the scope
//	<fn> [args...]   call an export
func (s *session) lines(ctx context.Context, in io.Reader, out io.Writer) error {
	st, err := s.stats(ctx)
	if err != nil {
		return err
	}
	sigs := make(map[string]*extension.Signature, len(st.Exports))
	for _, sig := range st.Exports {
		sigs[sig.Name] = sig
	}
	enc := json.NewEncoder(out)

	sc := bufio.NewScanner(in)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		var err error
		switch fields[0] {
		case "list":
			for _, sig := range st.Exports {
				fmt.Fprintln(out, sig.String())
			}
		case "stats":
			var cur *host.Stats
			if cur, err = s.stats(ctx); err == nil {
				err = enc.Encode(cur)
			}
		case "scope":
			if err = s.toggleScope(ctx); err == nil {
				fmt.Fprintf(out, "scope %q\n", s.scope)
			}
		case "release":
			err = s.releaseHeld(ctx)
		case "quit", "exit":
			return nil
		default:
			sig, ok := sigs[fields[0]]
			if !ok {
				err = errors.NotFound(errors.PhaseDispatch, "function", fields[0])
				break
			}
			var res *dispatch.Result
			if res, err = s.call(ctx, sig, fields[1:]); err == nil {
				err = enc.Encode(res)
			}
		}
		if err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
		}
	}
	return sc.Err()
}
