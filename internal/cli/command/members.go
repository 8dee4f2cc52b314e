package command

import (
	"context"
	"errors"

	"github.com/urfave/cli/v2"

	"github.com/yndnr/rnode-go/internal/node"
	"github.com/yndnr/rnode-go/internal/node/config"
)

// MembersCommand returns the members command.
func MembersCommand() *cli.Command {
	return &cli.Command{
		Name:   "members",
		Usage:  "List the cluster members reachable through the core node",
		Action: membersAction,
	}
}

// Member is one row of the members listing.
type Member struct {
	ID        string `json:"id"`
	Bootstrap bool   `json:"bootstrap"`
}

func membersAction(c *cli.Context) error {
	f, err := formatter(c)
	if err != nil {
		return err
	}
	return withNode(c.Context, c, func(ctx context.Context, cfg *config.NodeConfig, n *node.Node) error {
		if !cfg.Cluster.Enabled {
			return errors.New("clustering is disabled, set cluster.enabled")
		}
		self := n.Self()
		rows := []Member{}
		for _, id := range n.Members() {
			rows = append(rows, Member{ID: id, Bootstrap: id == self})
		}
		return f.Format(c.App.Writer, rows)
	})
}
