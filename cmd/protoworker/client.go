package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/HsiangNianian/protoworker/internal/config"
	"github.com/HsiangNianian/protoworker/internal/store"
	"github.com/HsiangNianian/protoworker/pkg/protoworker"
	"github.com/HsiangNianian/protoworker/pkg/transport"
	"github.com/HsiangNianian/protoworker/pkg/transport/redisbus"
	"github.com/HsiangNianian/protoworker/pkg/transport/ws"
)

var timeoutFlag = &cli.DurationFlag{
	Name:  "timeout",
	Usage: "request timeout; overrides client.request_timeout_seconds",
}

var requestCommand = &cli.Command{
	Name:      "request",
	Usage:     "send one request and print the reply",
	ArgsUsage: "<protocol> [json-payload]",
	Flags:     []cli.Flag{timeoutFlag},
	Action:    request,
}

var subscribeCommand = &cli.Command{
	Name:      "subscribe",
	Usage:     "subscribe and print pushes until interrupted",
	ArgsUsage: "<protocol> [json-payload]",
	Action:    subscribe,
}

var routeCommand = &cli.Command{
	Name:  "route",
	Usage: "manage protocol routes in the store",
	Subcommands: []*cli.Command{
		{
			Name:      "set",
			ArgsUsage: "<protocol> <url>",
			Action:    routeSet,
		},
		{
			Name:      "get",
			ArgsUsage: "<protocol>",
			Action:    routeGet,
		},
	},
}

var replyStatusCommand = &cli.Command{
	Name:      "reply-status",
	Usage:     "show how the delegate answered a transaction (success or rejected)",
	ArgsUsage: "<worker-id|protocol> <transaction-id>",
	Action:    replyStatus,
}

// routes resolves configured routes first, then the store.
type routes struct {
	static map[string]string
	store  store.Store
}

func newRoutes(cfg config.Config, st store.Store) routes {
	r := routes{static: make(map[string]string, len(cfg.Routes)), store: st}
	for _, route := range cfg.Routes {
		r.static[route.Protocol] = route.URL
	}
	return r
}

func (r routes) GetRoute(ctx context.Context, protocol string) (string, error) {
	if url, ok := r.static[protocol]; ok {
		return url, nil
	}
	return r.store.GetRoute(ctx, protocol)
}

func newHost(cfg config.Config, st store.Store, logger *slog.Logger, timeout time.Duration) (*protoworker.Runtime, error) {
	var opener transport.Opener
	switch cfg.Client.Transport {
	case config.TransportRedis:
		rs, ok := st.(*store.RedisStore)
		if !ok {
			return nil, errors.New("redis transport needs store.redis_addr")
		}
		opener = redisbus.NewOpener(rs.Client(), logger)
	default:
		opener = ws.NewOpener(newRoutes(cfg, st), cfg.Client.AuthToken, logger)
	}

	if timeout == 0 {
		timeout = time.Duration(cfg.Client.RequestTimeoutSeconds) * time.Second
	}
	opts := []protoworker.Option{
		protoworker.WithOpener(opener),
		protoworker.WithLogger(logger),
		protoworker.WithTimeout(timeout),
	}
	if cfg.Client.LegacyEnvelope {
		opts = append(opts, protoworker.WithLegacyEnvelope())
	}
	return protoworker.New(protoworker.RoleHost, opts...), nil
}

func payloadArg(c *cli.Context) (json.RawMessage, error) {
	if c.NArg() < 1 {
		return nil, cli.Exit("missing protocol", 2)
	}
	if c.NArg() < 2 {
		return nil, nil
	}
	raw := json.RawMessage(c.Args().Get(1))
	if !json.Valid(raw) {
		return nil, cli.Exit("payload is not valid JSON", 2)
	}
	return raw, nil
}

func request(c *cli.Context) error {
	payload, err := payloadArg(c)
	if err != nil {
		return err
	}
	cfg, logger, err := setup(c)
	if err != nil {
		return err
	}
	st := openStore(cfg, logger)
	defer st.Close()
	host, err := newHost(cfg, st, logger, c.Duration(timeoutFlag.Name))
	if err != nil {
		return err
	}
	defer host.Close()

	w, err := host.NewWorker(c.Args().First())
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	reply, err := w.Request(ctx, payload)
	var rejected *protoworker.RejectedError
	if errors.As(err, &rejected) {
		fmt.Fprintln(c.App.ErrWriter, string(rejected.Payload))
		return cli.Exit("request rejected", 3)
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, string(reply))
	return nil
}

func subscribe(c *cli.Context) error {
	payload, err := payloadArg(c)
	if err != nil {
		return err
	}
	cfg, logger, err := setup(c)
	if err != nil {
		return err
	}
	st := openStore(cfg, logger)
	defer st.Close()
	host, err := newHost(cfg, st, logger, 0)
	if err != nil {
		return err
	}
	defer host.Close()

	w, err := host.NewWorker(c.Args().First())
	if err != nil {
		return err
	}
	w.OnPush(func(data json.RawMessage) {
		fmt.Fprintln(c.App.Writer, string(data))
	})

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := w.Subscribe(payload); err != nil {
		return err
	}
	<-ctx.Done()
	return w.Unsubscribe()
}

func routeSet(c *cli.Context) error {
	if c.NArg() != 2 {
		return cli.Exit("usage: route set <protocol> <url>", 2)
	}
	protocol, url := c.Args().Get(0), c.Args().Get(1)
	if !transport.ValidProtocol(protocol) {
		return fmt.Errorf("%w: %q", transport.ErrInvalidProtocol, protocol)
	}
	cfg, logger, err := setup(c)
	if err != nil {
		return err
	}
	st := openStore(cfg, logger)
	defer st.Close()
	if _, ok := st.(*store.MemoryStore); ok {
		logger.Warn("memory store does not outlive this command")
	}
	return st.SetRoute(c.Context, protocol, url)
}

func routeGet(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("usage: route get <protocol>", 2)
	}
	cfg, logger, err := setup(c)
	if err != nil {
		return err
	}
	st := openStore(cfg, logger)
	defer st.Close()
	url, err := newRoutes(cfg, st).GetRoute(c.Context, c.Args().First())
	if err != nil {
		return err
	}
	if url == "" {
		return cli.Exit("no route", 1)
	}
	fmt.Fprintln(c.App.Writer, url)
	return nil
}

// lookupReplyStatus finds the recorded answer for a transaction. owner is the
// worker id, or the protocol for legacy envelopes; both sit in the same
// position of the key.
func lookupReplyStatus(ctx context.Context, st store.Store, owner, transactionID string) (string, error) {
	return st.ReplyStatus(ctx, protoworker.RecordKey(owner, owner, transactionID))
}

func replyStatus(c *cli.Context) error {
	if c.NArg() != 2 {
		return cli.Exit("usage: reply-status <worker-id|protocol> <transaction-id>", 2)
	}
	cfg, logger, err := setup(c)
	if err != nil {
		return err
	}
	st := openStore(cfg, logger)
	defer st.Close()
	status, err := lookupReplyStatus(c.Context, st, c.Args().Get(0), c.Args().Get(1))
	if err != nil {
		return err
	}
	if status == "" {
		return cli.Exit("no reply recorded", 1)
	}
	fmt.Fprintln(c.App.Writer, status)
	return nil
}
