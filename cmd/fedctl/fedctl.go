// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Program fedctl is a command-line utility for interacting with runtime
// infrastructure servers over the federate session protocol.
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"expvar"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/fedpro"
	"github.com/creachadair/fedpro/catalog"
	"github.com/creachadair/fedpro/channel"
	"github.com/creachadair/fedpro/fedtest"
	"github.com/creachadair/fedpro/seqnum"
	"github.com/creachadair/fedpro/settings"
	"github.com/creachadair/flax"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var flags struct {
	Config   string `flag:"config,Settings file path (TOML, YAML, or JSON)"`
	Address  string `flag:"address,Address of the RTI (overrides settings)"`
	LogLevel string `flag:"log-level,Minimum log level (overrides settings)"`
	Wire     bool   `flag:"wire,Log every message sent and received"`
}

var connectFlags struct {
	Hold    time.Duration `flag:"hold,default=0s,How long to hold the session open (0 waits for an interrupt)"`
	Metrics string        `flag:"metrics,Serve Prometheus metrics at this address"`
}

var callFlags struct {
	Service int64 `flag:"service,default=-1,Prefix the payload with this service ID"`
	Quoted  bool  `flag:"q,Treat the payload as a Go quoted string"`
}

var frameFlags struct {
	Seq     int   `flag:"seq,default=0,Sequence number of the message"`
	Session int64 `flag:"session,default=0,Session ID of the message"`
	Last    int   `flag:"last,default=-1,Last received sequence number (-1 for none)"`
}

var rtiFlags struct {
	Listen string `flag:"listen,default=localhost:15164,Address to listen on"`
	Reject int    `flag:"reject,default=0,Reject new sessions with this reason code"`
}

func main() {
	root := &command.C{
		Name:     filepath.Base(os.Args[0]),
		Help:     "Utilities for interacting with federate protocol RTI servers.",
		SetFlags: command.Flags(flax.MustBind, &flags),
		Commands: []*command.C{
			{
				Name:     "connect",
				Help:     "Open a session, report its state changes, and hold it open.",
				SetFlags: command.Flags(flax.MustBind, &connectFlags),
				Run:      runConnect,
			},
			{
				Name:     "call",
				Usage:    "<payload>",
				Help:     "Send one call with the given payload and print the response.",
				SetFlags: command.Flags(flax.MustBind, &callFlags),
				Run:      runCall,
			},
			{
				Name:  "frame",
				Usage: "<type> [<payload>]",
				Help: `Encode a single message and print a hex dump of its binary form.

The type may be given by name (for example CALL_REQUEST) or number.`,
				SetFlags: command.Flags(flax.MustBind, &frameFlags),
				Run:      runFrame,
			},
			{
				Name:     "fake-rti",
				Help:     "Run a simulated RTI that echoes call payloads.",
				SetFlags: command.Flags(flax.MustBind, &rtiFlags),
				Run:      runFakeRTI,
			},
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

// setup loads settings and constructs a logger according to the flags.
func setup() (*settings.Settings, zerolog.Logger, error) {
	if err := settings.LoadEnvFiles(); err != nil {
		return nil, zerolog.Nop(), err
	}
	s, err := settings.Load(flags.Config)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	if flags.Address != "" {
		s.Address = flags.Address
	}
	if flags.LogLevel != "" {
		s.LogLevel = flags.LogLevel
	}
	level, err := zerolog.ParseLevel(s.LogLevel)
	if err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("invalid log level: %w", err)
	}
	log := zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
	}).Level(level).With().Timestamp().Str("app", "fedctl").Logger()
	return s, log, nil
}

func newClient(s *settings.Settings, log zerolog.Logger) *fedpro.Client {
	tr := channel.Dialer{Address: s.Address, Timeout: s.Config.ConnectTimeout}
	c := fedpro.NewClient(tr, s.Config).SetLogger(log)
	if flags.Wire {
		c.Session().LogMessages(func(mi fedpro.MessageInfo) {
			log.Debug().Msg(mi.String())
		})
	}
	return c
}

func runConnect(env *command.Env) error {
	s, log, err := setup()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(env.Context())
	defer cancel()

	if connectFlags.Metrics != "" {
		stop, err := serveMetrics(connectFlags.Metrics, log)
		if err != nil {
			return err
		}
		defer stop()
	}

	c := newClient(s, log)
	c.Session().OnStateChange(func(t fedpro.Transition) {
		fmt.Printf("%s %v -> %v", time.Now().Format(time.TimeOnly), t.From, t.To)
		if t.Err != nil {
			fmt.Printf(" (%v)", t.Err)
		}
		fmt.Println()
	})
	if err := c.Start(ctx); err != nil {
		return fmt.Errorf("connect %q: %w", s.Address, err)
	}
	fmt.Printf("session %d established with %s\n", c.Session().ID(), s.Address)

	var hold <-chan time.Time
	if connectFlags.Hold > 0 {
		hold = time.After(connectFlags.Hold)
	}
	select {
	case <-hold:
	case <-ctx.Done():
	case <-c.Session().Done():
	}
	cctx, ccancel := context.WithTimeout(context.Background(), s.Config.CloseTimeout)
	defer ccancel()
	return c.Close(cctx)
}

// serveMetrics exports the session metrics to Prometheus at addr.
func serveMetrics(addr string, log zerolog.Logger) (stop func(), _ error) {
	expvar.Publish("fedpro", fedpro.Metrics())
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewExpvarCollector(map[string]*prometheus.Desc{
		"fedpro": prometheus.NewDesc("fedpro_session", "Federate session counters.", []string{"name"}, nil),
	}))

	lst, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux}
	go func() {
		if err := srv.Serve(lst); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics server failed")
		}
	}()
	log.Info().Str("addr", lst.Addr().String()).Msg("serving metrics")
	return func() { srv.Close() }, nil
}

func runCall(env *command.Env) error {
	if len(env.Args) != 1 {
		return env.Usagef("Missing payload argument")
	}
	data := []byte(env.Args[0])
	if callFlags.Quoted {
		dec, err := strconv.Unquote(`"` + env.Args[0] + `"`)
		if err != nil {
			return fmt.Errorf("invalid payload: %w", err)
		}
		data = []byte(dec)
	}
	if callFlags.Service >= 0 {
		data = catalog.Payload(uint32(callFlags.Service), data)
	}

	s, log, err := setup()
	if err != nil {
		return err
	}
	ctx := env.Context()
	c := newClient(s, log)
	if err := c.Start(ctx); err != nil {
		return fmt.Errorf("connect %q: %w", s.Address, err)
	}
	defer c.Close(context.Background())

	rsp, err := c.Call(ctx, data)
	if err != nil {
		return fmt.Errorf("call: %w", err)
	}
	fmt.Printf("%q\n", rsp)
	return nil
}

func runFrame(env *command.Env) error {
	if len(env.Args) == 0 || len(env.Args) > 2 {
		return env.Usagef("Wrong number of arguments")
	}
	t, err := parseType(env.Args[0])
	if err != nil {
		return err
	}
	last := seqnum.None
	if frameFlags.Last >= 0 {
		last = seqnum.Value(frameFlags.Last)
	}
	msg := &fedpro.Message{
		Header: fedpro.Header{
			Seq:          seqnum.Value(frameFlags.Seq),
			SessionID:    frameFlags.Session,
			LastReceived: last,
			Type:         t,
		},
	}
	if len(env.Args) == 2 {
		msg.Payload = []byte(env.Args[1])
	}
	fmt.Println(msg)
	fmt.Print(hex.Dump(msg.Encode()))
	return nil
}

// parseType parses a message type by name or number.
func parseType(s string) (fedpro.MessageType, error) {
	if v, err := strconv.ParseUint(s, 10, 32); err == nil {
		return fedpro.MessageType(v), nil
	}
	for t := fedpro.NewSessionRequest; t <= fedpro.CallbackResponse; t++ {
		if strings.EqualFold(t.String(), s) {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown message type %q", s)
}

func runFakeRTI(env *command.Env) error {
	_, log, err := setup()
	if err != nil {
		return err
	}
	network, addr := fedpro.SplitAddress(rtiFlags.Listen)
	lst, err := net.Listen(network, addr)
	if err != nil {
		return err
	}
	srv := fedtest.NewServer(fedtest.Echo)
	srv.Reject = fedpro.Reason(rtiFlags.Reject)
	srv.Log = log
	defer srv.Close()

	log.Info().Str("addr", lst.Addr().String()).Msg("simulated RTI listening")
	return srv.Loop(env.Context(), fedtest.NetAccepter(lst))
}
