package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/docmesh/docmesh/crdt"
	"github.com/docmesh/docmesh/crdt/textcrdt"
	"github.com/docmesh/docmesh/p2p"
	"github.com/docmesh/docmesh/sync"
)

var (
	docID          string
	listen         string
	peerID         string
	peerAddrs      []string
	text           string
	position       int
	sessionTimeout time.Duration
	logLevel       string
)

func init() {
	root.PersistentFlags().StringVar(&docID, "doc", "notes", "document identifier shared with collaborating peers")
	root.PersistentFlags().StringVar(&listen, "listen", p2p.DefaultConfig().Listen, "listen multiaddr")
	root.PersistentFlags().DurationVar(&sessionTimeout, "session-timeout", 30*time.Second, "per-session i/o timeout")
	root.PersistentFlags().StringVar(&logLevel, "level", "info", "logging level")

	connectCmd.Flags().StringVar(&peerID, "peer", "", "peer node id (hex, as printed by serve)")
	connectCmd.Flags().StringSliceVar(&peerAddrs, "peer-addr", nil, "optional peer multiaddr hints")
	connectCmd.MarkFlagRequired("peer")

	editCmds := []*cobra.Command{serveCmd, connectCmd}
	for _, c := range editCmds {
		c.Flags().StringVar(&text, "insert", "", "text to insert locally before syncing")
		c.Flags().IntVar(&position, "at", 0, "insert position")
	}

	root.AddCommand(serveCmd, connectCmd)
}

var root = &cobra.Command{
	Use:   "docmesh",
	Short: "synchronize a replicated document with peers",
}

func newLogger() (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(strings.ToLower(logLevel))
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = lvl
	return cfg.Build()
}

func setup(ctx context.Context, logger *zap.Logger) (*p2p.Host, *sync.Doc, *textcrdt.Doc, error) {
	cfg := p2p.DefaultConfig()
	cfg.Listen = listen
	host, err := p2p.New(ctx, logger, cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	site, err := p2p.SiteID(host.ID())
	if err != nil {
		host.Stop()
		return nil, nil, nil, err
	}
	engine := textcrdt.New(site)
	endpoint := sync.NewEndpoint(host,
		sync.WithLog(logger),
		sync.WithSessionTimeout(sessionTimeout),
	)
	doc, err := endpoint.Register(docID, engine)
	if err != nil {
		host.Stop()
		return nil, nil, nil, err
	}
	if text != "" {
		if err := doc.Handle().WithEngine(func(crdt.Engine) error {
			return engine.InsertText(position, text)
		}); err != nil {
			host.Stop()
			return nil, nil, nil, err
		}
	}
	idHex, err := p2p.NodeIDHex(host.ID())
	if err != nil {
		host.Stop()
		return nil, nil, nil, err
	}
	fmt.Printf("node id: %s\n", idHex)
	for _, a := range host.Addrs() {
		fmt.Printf("listening on: %s/p2p/%s\n", a, host.ID())
	}
	return host, doc, engine, nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "register a document and accept sync sessions until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, err := newLogger()
		if err != nil {
			return err
		}
		defer logger.Sync()
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		host, doc, engine, err := setup(ctx, logger)
		if err != nil {
			return err
		}
		defer host.Stop()
		for {
			err := doc.Accept(ctx)
			switch {
			case errors.Is(err, context.Canceled):
				return nil
			case err != nil:
				logger.Warn("session failed", zap.Error(err))
			default:
				printText(doc, engine)
			}
		}
	},
}

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "dial a peer once and synchronize the document",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, err := newLogger()
		if err != nil {
			return err
		}
		defer logger.Sync()
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		host, doc, engine, err := setup(ctx, logger)
		if err != nil {
			return err
		}
		defer host.Stop()
		pid, err := p2p.DecodeNodeIDHex(peerID)
		if err != nil {
			return err
		}
		addr := peer.AddrInfo{ID: pid}
		for _, a := range peerAddrs {
			ma, err := multiaddr.NewMultiaddr(a)
			if err != nil {
				return fmt.Errorf("peer-addr %q: %w", a, err)
			}
			addr.Addrs = append(addr.Addrs, ma)
		}
		if err := doc.Connect(ctx, addr); err != nil {
			return err
		}
		printText(doc, engine)
		return nil
	},
}

func printText(doc *sync.Doc, engine *textcrdt.Doc) {
	var content string
	doc.Handle().WithEngine(func(crdt.Engine) error {
		content = engine.Text()
		return nil
	})
	fmt.Printf("document %q: %s\n", doc.ID(), content)
}

func main() {
	if err := root.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
