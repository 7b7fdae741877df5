package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"

	"github.com/fatih/color"
	"github.com/kbirk/rpcmux/pkg/log"
	"github.com/kbirk/rpcmux/pkg/rpc"
	"github.com/kbirk/rpcmux/pkg/rpc/nats"
	"github.com/kbirk/rpcmux/pkg/rpc/tcp"
	"github.com/kbirk/rpcmux/pkg/rpc/unix"
	"github.com/kbirk/rpcmux/pkg/rpc/websocket"
	"github.com/pkg/errors"
)

var (
	mode       string
	discipline string
	transport  string
	host       string
	port       int
	socketPath string
	natsURL    string
	logLevel   string
	repeat     int
)

var (
	red   = color.New(color.FgRed, color.Bold).SprintFunc()
	green = color.New(color.FgGreen, color.Bold).SprintFunc()
	cyan  = color.New(color.FgCyan, color.Bold).SprintFunc()
	white = color.New(color.FgWhite, color.Bold).SprintFunc()
)

func fail(format string, args ...interface{}) {
	os.Stderr.WriteString(red("ERROR: ") + fmt.Sprintf(format, args...) + "\n")
	os.Exit(1)
}

func main() {

	flag.StringVar(&mode, "mode", "server", "Run as `server` or `client`")
	flag.StringVar(&discipline, "discipline", "pipeline", "Correlation discipline, `pipeline` or `multiplex`")
	flag.StringVar(&transport, "transport", "tcp", "Transport, one of `tcp`, `unix`, `websocket` or `nats`")
	flag.StringVar(&host, "host", "127.0.0.1", "Host to bind or connect to")
	flag.IntVar(&port, "port", 7357, "Port to bind or connect to")
	flag.StringVar(&socketPath, "socket", "/tmp/rpcmux-echo.sock", "Unix socket path")
	flag.StringVar(&natsURL, "nats-url", "nats://127.0.0.1:4222", "NATS server URL")
	flag.StringVar(&logLevel, "log-level", "INFO", "Log level: DEBUG, INFO, WARN or ERROR")
	flag.IntVar(&repeat, "repeat", 1, "Number of times the client sends each message")

	flag.Parse()

	level, err := log.ParseLevel(logLevel)
	if err != nil {
		fail("%v", err)
	}
	logger := log.NewConsoleLogger(os.Stderr, level)

	if discipline != "pipeline" && discipline != "multiplex" {
		fail("Unknown `--discipline` %q, expected pipeline or multiplex", discipline)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	switch mode {
	case "server":
		err = runServer(ctx, logger)
	case "client":
		err = runClient(ctx, logger, flag.Args())
	default:
		fail("Unknown `--mode` %q, expected server or client", mode)
	}
	if err != nil && ctx.Err() == nil {
		fail("%v", err)
	}
}

func serverTransport() (rpc.ServerTransport, error) {
	switch transport {
	case "tcp":
		return tcp.NewServerTransport(tcp.ServerTransportConfig{Host: host, Port: port, NoDelay: true}), nil
	case "unix":
		return unix.NewServerTransport(unix.ServerTransportConfig{SocketPath: socketPath}), nil
	case "websocket":
		return websocket.NewServerTransport(websocket.ServerTransportConfig{Host: host, Port: port}), nil
	case "nats":
		return nats.NewServerTransport(nats.ServerTransportConfig{URL: natsURL}), nil
	}
	return nil, errors.Errorf("unknown transport %q", transport)
}

func clientTransport() (rpc.ClientTransport, error) {
	switch transport {
	case "tcp":
		return tcp.NewClientTransport(tcp.ClientTransportConfig{Host: host, Port: port, NoDelay: true}), nil
	case "unix":
		return unix.NewClientTransport(unix.ClientTransportConfig{SocketPath: socketPath}), nil
	case "websocket":
		return websocket.NewClientTransport(websocket.ClientTransportConfig{Host: host, Port: port}), nil
	case "nats":
		return nats.NewClientTransport(nats.ClientTransportConfig{URL: natsURL}), nil
	}
	return nil, errors.Errorf("unknown transport %q", transport)
}

func toUpper(ctx context.Context, payload []byte) ([]byte, error) {
	return []byte(strings.ToUpper(string(payload))), nil
}

func runServer(ctx context.Context, logger *log.ConsoleLogger) error {
	listener, err := serverTransport()
	if err != nil {
		return err
	}

	conf := rpc.ListeningServerConfig{
		ServerConfig: rpc.ServerConfig{
			Logger: logger.WithPrefix("server"),
		},
		IsolateConnections: true,
	}
	connConf := rpc.ConnConfig{Logger: logger.WithPrefix("conn")}

	os.Stdout.WriteString(green("LISTENING: ") + fmt.Sprintf("%s %s\n", white(transport), cyan(discipline)))

	if discipline == "pipeline" {
		incoming := rpc.NewIncomingTransports[string, string](listener, rpc.StringCodec{}, rpc.StringCodec{}, connConf)
		if err := incoming.Start(); err != nil {
			return err
		}
		defer incoming.Close()

		svc := rpc.ServiceFunc[string, string](func(ctx context.Context, req string) (string, error) {
			resp, err := toUpper(ctx, []byte(req))
			return string(resp), err
		})
		return rpc.RunPipelineListeningServer[string, string](ctx,
			rpc.RepeatService[string, string](svc),
			incoming,
			conf)
	}

	codec := rpc.MsgpackCodec[*rpc.Envelope]{}
	incoming := rpc.NewIncomingTransports[*rpc.Envelope, *rpc.Envelope](listener, codec, codec, connConf)
	if err := incoming.Start(); err != nil {
		return err
	}
	defer incoming.Close()

	svc := rpc.WithMiddleware(
		rpc.EnvelopeService(rpc.ServiceFunc[[]byte, []byte](toUpper)),
		rpc.TracingMiddleware[*rpc.Envelope, *rpc.Envelope]("rpcmux-echo/ToUpper"))
	return rpc.RunMultiplexListeningServer[*rpc.Envelope, *rpc.Envelope](ctx,
		rpc.RepeatService(svc),
		incoming,
		conf)
}

func runClient(ctx context.Context, logger *log.ConsoleLogger, messages []string) error {
	if len(messages) == 0 {
		return errors.New("no messages provided, pass them as arguments")
	}

	ct, err := clientTransport()
	if err != nil {
		return err
	}

	conf := rpc.ClientConfig{Logger: logger.WithPrefix("client")}
	connConf := rpc.ConnConfig{Logger: logger.WithPrefix("conn")}

	var call func(context.Context, string) (string, error)
	var closer func() error

	if discipline == "pipeline" {
		t, err := rpc.Dial[string, string](ct, rpc.StringCodec{}, rpc.StringCodec{}, connConf)
		if err != nil {
			return err
		}
		client := rpc.NewPipelineClient[string, string](t, conf)
		call = client.Call
		closer = client.Close
	} else {
		codec := rpc.MsgpackCodec[*rpc.Envelope]{}
		t, err := rpc.Dial[*rpc.Envelope, *rpc.Envelope](ct, codec, codec, connConf)
		if err != nil {
			return err
		}
		client := rpc.NewMultiplexClient[string, *rpc.Envelope, *rpc.Envelope](t, conf)
		call = func(ctx context.Context, msg string) (string, error) {
			resp, err := rpc.Invoke(ctx, client, []byte(msg))
			return string(resp), err
		}
		closer = client.Close
	}
	defer closer()

	type result struct {
		req  string
		resp string
		err  error
	}

	results := make([]result, 0, len(messages)*repeat)
	mu := &sync.Mutex{}
	wg := &sync.WaitGroup{}

	for i := 0; i < repeat; i++ {
		for _, msg := range messages {
			wg.Add(1)
			go func(msg string) {
				defer wg.Done()
				resp, err := call(ctx, msg)
				mu.Lock()
				results = append(results, result{req: msg, resp: resp, err: err})
				mu.Unlock()
			}(msg)
		}
	}
	wg.Wait()

	failed := 0
	for _, r := range results {
		if r.err != nil {
			failed++
			os.Stdout.WriteString(fmt.Sprintf("%s %s: %v\n", red("[failed]"), white(r.req), r.err))
			continue
		}
		os.Stdout.WriteString(fmt.Sprintf("%s %s -> %s\n", green("[ok]"), white(r.req), cyan(r.resp)))
	}
	if failed > 0 {
		return errors.Errorf("%d of %d calls failed", failed, len(results))
	}
	return nil
}
