package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/wfunc/movecast/config"
	"github.com/wfunc/movecast/connection"
	"github.com/wfunc/movecast/logger"
	"github.com/wfunc/movecast/models"
	"github.com/wfunc/movecast/monitor"
	"github.com/wfunc/movecast/player"
	"github.com/wfunc/movecast/presence"
	"github.com/wfunc/movecast/state"
	"github.com/wfunc/movecast/stream"
)

const usage = `commands:
  connect            open a connection
  disconnect         close the connection
  send [x y]         send a move (random when no coordinates)
  auto on|off        start or stop auto movement
  players            ask the server for its player list
  clear              clear the move history
  moves              print the move history
  state              print connection state
  quit               exit`

func main() {
	configPath := flag.String("config", ".", "directory holding config.yaml")
	serverURL := flag.String("server", "", "override client.server_url")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *serverURL != "" {
		cfg.Client.ServerURL = *serverURL
	}
	if err := logger.Init(cfg.Log); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	mon := monitor.NewMonitor("movecast_client", nil)
	if cfg.Client.MetricsAddress != "" {
		srv := mon.StartServer(cfg.Client.MetricsAddress)
		defer srv.Shutdown(context.Background())
	}

	client, err := player.NewClient(player.Options{Config: cfg.Client, Monitor: mon})
	if err != nil {
		logger.Log.Fatalf("Failed to create client: %v", err)
	}
	defer client.Close()

	client.OnStateChange(func(tr state.Transition) {
		if tr.To == state.Connected {
			fmt.Printf("* %s as %s\n", tr.To, tr.ActorID)
			return
		}
		fmt.Printf("* %s\n", tr.To)
	})
	client.OnMovesChanged(func(c stream.Change) {
		switch c.Kind {
		case stream.Added:
			fmt.Printf("<- move %s (%d in history)\n", c.Move, c.Len)
		case stream.Cleared:
			fmt.Println("* history cleared")
		}
	})
	client.OnPlayersList(func(players []models.PlayerInfo) {
		fmt.Printf("* %d players online\n", len(players))
		for _, p := range players {
			if p.X != nil {
				fmt.Printf("  %s at (%d,%d)\n", p.ID, *p.X, *p.Y)
			} else {
				fmt.Printf("  %s\n", p.ID)
			}
		}
	})
	client.AddSink(presence.SinkFunc(func(e presence.Event) {
		switch e.Kind {
		case presence.PeerJoined:
			fmt.Printf("* player joined: %s\n", e.ActorID)
		case presence.PeerLeft:
			fmt.Printf("* player left: %s\n", e.ActorID)
		case presence.ProtocolError:
			fmt.Printf("! %s\n", e.Message)
		}
	}))

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- strings.TrimSpace(scanner.Text())
		}
	}()

	fmt.Println(usage)
	client.Connect()

	for {
		select {
		case <-interrupt:
			fmt.Println("interrupt received, closing")
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if !handle(client, line) {
				return
			}
		}
	}
}

// handle runs one command line and reports whether to keep going.
func handle(client *player.Client, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return true
	}

	switch fields[0] {
	case "connect":
		client.Connect()
	case "disconnect":
		client.Disconnect()
	case "send":
		report(sendCommand(client, fields[1:]))
	case "auto":
		if len(fields) != 2 {
			fmt.Println("usage: auto on|off")
			break
		}
		switch fields[1] {
		case "on":
			if client.State() != state.Connected {
				report(connection.ErrNotConnected)
				break
			}
			client.StartAutoMovement()
		case "off":
			client.StopAutoMovement()
		default:
			fmt.Println("usage: auto on|off")
		}
	case "players":
		report(client.RequestPlayers())
	case "clear":
		client.ClearMoves()
	case "moves":
		moves := client.Moves()
		if len(moves) == 0 {
			fmt.Println("no moves yet")
		}
		for i, m := range moves {
			fmt.Printf("%2d. %s at %s\n", i+1, m, m.ReceivedAt.Format("15:04:05.000"))
		}
	case "state":
		st, actor := client.Status()
		fmt.Printf("%s actor=%q auto=%t\n", st, actor, client.AutoMovementActive())
	case "quit", "exit":
		return false
	case "help":
		fmt.Println(usage)
	default:
		fmt.Printf("unknown command %q\n", fields[0])
	}
	return true
}

func sendCommand(client *player.Client, args []string) error {
	switch len(args) {
	case 0:
		return client.SendRandomMove()
	case 2:
		x, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("x: %w", err)
		}
		y, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("y: %w", err)
		}
		return client.SendMove(x, y)
	default:
		return errors.New("usage: send [x y]")
	}
}

func report(err error) {
	if err != nil {
		fmt.Printf("! %v\n", err)
	}
}
