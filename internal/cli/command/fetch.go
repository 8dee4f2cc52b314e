package command

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/yndnr/rnode-go/internal/node"
	"github.com/yndnr/rnode-go/internal/node/config"
	"github.com/yndnr/rnode-go/internal/transport"
)

// FetchCommand returns the fetch command.
func FetchCommand() *cli.Command {
	return &cli.Command{
		Name:      "fetch",
		Usage:     "Send an authenticated HTTP request to the core node",
		ArgsUsage: "<path|url>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "method",
				Aliases: []string{"X"},
				Usage:   "HTTP method",
				Value:   http.MethodGet,
			},
			&cli.StringSliceFlag{
				Name:    "header",
				Aliases: []string{"H"},
				Usage:   "Request header as \"Name: value\" (repeatable)",
			},
			&cli.StringFlag{
				Name:    "data",
				Aliases: []string{"d"},
				Usage:   "Request body",
			},
			&cli.BoolFlag{
				Name:    "include",
				Aliases: []string{"i"},
				Usage:   "Print the status line and response headers",
			},
		},
		Action: fetchAction,
	}
}

func fetchAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return errors.New("fetch requires exactly one path or url")
	}
	path := c.Args().First()
	opts, err := fetchOptions(c)
	if err != nil {
		return err
	}

	return withNode(c.Context, c, func(ctx context.Context, _ *config.NodeConfig, n *node.Node) error {
		resp, err := n.Transport().Fetch(ctx, path, opts)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		w := c.App.Writer
		if c.Bool("include") {
			fmt.Fprintf(w, "%s %s\n", resp.Proto, resp.Status)
			if err := resp.Header.Write(w); err != nil {
				return err
			}
			fmt.Fprintln(w)
		}
		if _, err := io.Copy(w, resp.Body); err != nil {
			return fmt.Errorf("read response: %w", err)
		}
		if resp.StatusCode >= http.StatusBadRequest {
			return fmt.Errorf("fetch %s: %s", path, resp.Status)
		}
		return nil
	})
}

func fetchOptions(c *cli.Context) (*transport.FetchOptions, error) {
	opts := &transport.FetchOptions{
		Method: strings.ToUpper(c.String("method")),
		Header: http.Header{},
	}
	for _, h := range c.StringSlice("header") {
		k, v, ok := strings.Cut(h, ":")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("invalid header %q, want \"Name: value\"", h)
		}
		opts.Header.Add(strings.TrimSpace(k), strings.TrimSpace(v))
	}
	if c.IsSet("data") {
		opts.Body = strings.NewReader(c.String("data"))
	}
	return opts, nil
}
