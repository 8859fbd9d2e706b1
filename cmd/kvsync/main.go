// cmd/kvsync is the CLI entry-point built with Cobra: it both runs a
// node (the "run" subcommand) and operates one remotely over its debug
// HTTP surface ("status"/"export"/"import").
//
// Usage:
//
//	kvsync run --data-dir /var/ledger/node1 --listen :7000 \
//	           --relay ws://localhost:8081 --token room-42
//	kvsync status  --server http://localhost:7000
//	kvsync export  --server http://localhost:7000 --out snapshot.db
//	kvsync import  --server http://localhost:7000 --in snapshot.db
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/kholbekj/ledger/internal/api"
	"github.com/kholbekj/ledger/internal/client"
	"github.com/kholbekj/ledger/internal/node"
)

var (
	serverAddr string
	timeout    time.Duration
)

func main() {
	root := &cobra.Command{
		Use:   "kvsync",
		Short: "Run or operate a replicated SQL node",
	}

	root.PersistentFlags().StringVarP(&serverAddr, "server", "s",
		"http://localhost:7000", "node debug HTTP address")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second,
		"HTTP request timeout")

	root.AddCommand(runCmd(), statusCmd(), exportCmd(), importCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// ─── run ──────────────────────────────────────────────────────────────────────

func runCmd() *cobra.Command {
	var dataDir, listen, relayURL, token, nodeID string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a node, connect it to a relay, and serve its debug HTTP surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			n := node.New(node.Config{DataDir: dataDir, NodeID: nodeID})
			if err := n.Init(); err != nil {
				return fmt.Errorf("init node: %w", err)
			}
			defer n.Close()

			n.On("error", func(payload any) {
				fmt.Fprintf(os.Stderr, "node error: %v\n", payload)
			})
			n.On("connected", func(any) { fmt.Println("connected to relay") })
			n.On("disconnected", func(any) { fmt.Println("disconnected from relay") })
			n.On("peer-join", func(payload any) { fmt.Printf("peer joined: %v\n", payload) })
			n.On("peer-ready", func(payload any) { fmt.Printf("peer channel ready: %v\n", payload) })
			n.On("peer-leave", func(payload any) { fmt.Printf("peer left: %v\n", payload) })

			if relayURL != "" {
				if err := n.Connect(relayURL, token); err != nil {
					return fmt.Errorf("connect to relay: %w", err)
				}
			}

			gin.SetMode(gin.ReleaseMode)
			router := gin.New()
			router.Use(api.Logger(), api.Recovery())
			api.NewHandler(n).Register(router)

			srv := &http.Server{Addr: listen, Handler: router}
			go func() {
				fmt.Printf("node %s serving debug surface on %s\n", n.NodeID(), listen)
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					fmt.Fprintf(os.Stderr, "debug server error: %v\n", err)
				}
			}()

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			<-quit

			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			return srv.Shutdown(ctx)
		},
	}

	cmd.Flags().StringVar(&dataDir, "data-dir", "/tmp/ledger-node", "directory for the SQL store and op log")
	cmd.Flags().StringVar(&listen, "listen", ":7000", "debug HTTP listen address")
	cmd.Flags().StringVar(&relayURL, "relay", "", "signaling relay URL (e.g. ws://localhost:8081); omit to run offline")
	cmd.Flags().StringVar(&token, "token", "", "room token to join at the relay")
	cmd.Flags().StringVar(&nodeID, "node-id", "", "node identifier; a random one is generated if omitted")
	return cmd
}

// ─── status ───────────────────────────────────────────────────────────────────

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print a running node's identity, connectivity, and replication cursor",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(serverAddr, timeout)
			st, err := c.Status(context.Background())
			if err != nil {
				return err
			}
			fmt.Printf("node:      %s\n", st.NodeID)
			fmt.Printf("connected: %v\n", st.IsConnected)
			fmt.Printf("peers:     %v\n", st.Peers)
			if st.Version != "" {
				fmt.Printf("version:   %s\n", st.Version)
			}
			return nil
		},
	}
}

// ─── export ───────────────────────────────────────────────────────────────────

func exportCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Download a node's full SQL snapshot to a file",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(serverAddr, timeout)
			data, err := c.Export(context.Background())
			if err != nil {
				return err
			}
			if err := os.WriteFile(out, data, 0o644); err != nil {
				return fmt.Errorf("write %s: %w", out, err)
			}
			fmt.Printf("wrote %d bytes to %s\n", len(data), out)
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "snapshot.db", "output file path")
	return cmd
}

// ─── import ───────────────────────────────────────────────────────────────────

func importCmd() *cobra.Command {
	var in string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Replace a node's SQL state from a snapshot file",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(in)
			if err != nil {
				return fmt.Errorf("read %s: %w", in, err)
			}
			c := client.New(serverAddr, timeout)
			if err := c.Import(context.Background(), data); err != nil {
				return err
			}
			fmt.Printf("imported %d bytes from %s\n", len(data), in)
			return nil
		},
	}
	cmd.Flags().StringVar(&in, "in", "snapshot.db", "input file path")
	return cmd
}
