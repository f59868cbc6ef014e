package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/nfrund/blenny/internal/backend"
	"github.com/nfrund/blenny/internal/broker"
	"github.com/spf13/cobra"
)

var (
	tailURL            string
	tailSkipInit       bool
	tailSubscribeKey   string
	tailSubscribeTable string
	tailSubscribeWhere string
)

// tailCmd represents the tail command
var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Connect to a running server and stream broker traffic",
	Long: `Tail opens a channel to a running Blenny server and prints every frame
it receives, one JSON document per line. By default it initializes the
broker with the server's own backend settings so broadcasts start
flowing; pass --no-init to only watch.

With --subscribe the channel also opens a live feed on a table and
streams its change events alongside the other broadcasts.

Examples:
  blenny-cli tail
  blenny-cli tail --url ws://staging.internal:8080/ws
  blenny-cli tail --subscribe scores --table score
  blenny-cli tail --subscribe mine --table score --where "user = $auth.id"

Press Ctrl+C to close the channel.`,
	Run: tailHandler,
}

func tailHandler(cmd *cobra.Command, args []string) {
	if tailSubscribeKey != "" && tailSubscribeTable == "" {
		fmt.Fprintln(os.Stderr, "Error: --subscribe requires --table")
		os.Exit(1)
	}

	conn, _, err := websocket.DefaultDialer.Dial(tailURL, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to connect to %s: %v\n", tailURL, err)
		os.Exit(1)
	}
	defer conn.Close()

	fmt.Fprintf(os.Stderr, "connected to %s\n", tailURL)

	// Requests sent before the channel reports ready are queued by the
	// worker on the other side, so it is safe to send them right away.
	if !tailSkipInit {
		sendRequest(conn, broker.Request{ID: uuid.NewString(), Kind: broker.KindInit})
	}
	if tailSubscribeKey != "" {
		payload, err := json.Marshal(broker.SubscribePayload{
			Key: tailSubscribeKey,
			Query: backend.FeedQuery{
				Table: tailSubscribeTable,
				Where: tailSubscribeWhere,
			},
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: Failed to encode subscription: %v\n", err)
			os.Exit(1)
		}
		sendRequest(conn, broker.Request{ID: uuid.NewString(), Kind: broker.KindSubscribe, Data: payload})
	}

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, frame, err := conn.ReadMessage()
			if err != nil {
				fmt.Fprintf(os.Stderr, "channel closed: %v\n", err)
				return
			}
			fmt.Println(string(frame))
		}
	}()

	select {
	case <-done:
		os.Exit(1)
	case <-interrupt:
		// Ask for a clean close and give the server a moment to answer.
		deadline := time.Now().Add(time.Second)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		select {
		case <-done:
		case <-time.After(time.Second):
		}
	}
}

func sendRequest(conn *websocket.Conn, req broker.Request) {
	frame, err := json.Marshal(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to encode request: %v\n", err)
		os.Exit(1)
	}
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to send %s request: %v\n", req.Kind, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(tailCmd)

	tailCmd.Flags().StringVar(&tailURL, "url", "ws://localhost:8080/ws", "Channel endpoint of the server")
	tailCmd.Flags().BoolVar(&tailSkipInit, "no-init", false, "Do not initialize the broker, only watch frames")
	tailCmd.Flags().StringVar(&tailSubscribeKey, "subscribe", "", "Open a live feed under this subscription key")
	tailCmd.Flags().StringVar(&tailSubscribeTable, "table", "", "Table the live feed follows")
	tailCmd.Flags().StringVar(&tailSubscribeWhere, "where", "", "Optional filter clause for the live feed")
}
