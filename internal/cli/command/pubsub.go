package command

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/yndnr/rnode-go/internal/node"
	"github.com/yndnr/rnode-go/internal/node/config"
	"github.com/yndnr/rnode-go/internal/telemetry/logger"
)

// PublishCommand returns the publish command.
func PublishCommand() *cli.Command {
	return &cli.Command{
		Name:      "publish",
		Usage:     "Publish a retained message",
		ArgsUsage: "<topic> <payload|->",
		Description: "The payload is read from standard input when it is \"-\". " +
			"Messages are retained, so later subscribers receive the latest one.",
		Action: publishAction,
	}
}

func publishAction(c *cli.Context) error {
	if c.NArg() != 2 {
		return errors.New("publish requires a topic and a payload")
	}
	topic := c.Args().Get(0)
	payload := []byte(c.Args().Get(1))
	if c.Args().Get(1) == "-" {
		var err error
		if payload, err = io.ReadAll(c.App.Reader); err != nil {
			return fmt.Errorf("read payload: %w", err)
		}
	}

	return withNode(c.Context, c, func(ctx context.Context, _ *config.NodeConfig, n *node.Node) error {
		return n.Transport().Publish(ctx, topic, payload)
	})
}

// SubscribeCommand returns the subscribe command.
func SubscribeCommand() *cli.Command {
	return &cli.Command{
		Name:      "subscribe",
		Usage:     "Print messages published to a topic pattern",
		ArgsUsage: "<pattern>",
		Description: "Patterns use MQTT wildcards: \"+\" matches one level and a trailing \"#\" " +
			"matches the rest. Runs until interrupted or --count messages arrived.",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "count",
				Aliases: []string{"n"},
				Usage:   "Exit after this many messages (0 means never)",
			},
		},
		Action: subscribeAction,
	}
}

// Message is one received pub/sub message.
type Message struct {
	Topic   string `json:"topic"`
	Payload string `json:"payload"`
}

func subscribeAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return errors.New("subscribe requires a topic pattern")
	}
	pattern := c.Args().First()
	count := c.Int("count")
	f, err := formatter(c)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	return withNode(ctx, c, func(ctx context.Context, _ *config.NodeConfig, n *node.Node) error {
		msgs := make(chan Message, 256)
		key, err := n.Transport().Subscribe(ctx, pattern, func(topic string, payload []byte) {
			select {
			case msgs <- Message{Topic: topic, Payload: string(payload)}:
			default:
				logger.Warn("subscriber is behind, dropping message", "topic", topic)
			}
		})
		if err != nil {
			return err
		}
		defer func() { _ = n.Transport().Unsubscribe(context.WithoutCancel(ctx), key) }()

		for received := 0; count == 0 || received < count; received++ {
			select {
			case m := <-msgs:
				if err := f.Format(c.App.Writer, []Message{m}); err != nil {
					return err
				}
			case <-ctx.Done():
				return nil
			}
		}
		return nil
	})
}
