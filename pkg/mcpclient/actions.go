package mcpclient

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/mcpdriver/internal/wire"
)

// HostActions asks the host which actions it serves.
func (c *Client) HostActions(ctx context.Context) ([]string, error) {
	res, err := c.ExecuteAction(ctx, wire.ActionHostListActions, nil)
	if err != nil {
		return nil, err
	}
	var names []string
	if err := res.DecodeData(&names); err != nil {
		return nil, fmt.Errorf("decoding host action list: %w", err)
	}
	return names, nil
}

// compareActions logs registry actions the host lacks and host actions the
// registry does not know. It never fails the connection.
func (c *Client) compareActions(ctx context.Context) {
	hostNames, err := c.HostActions(ctx)
	if err != nil {
		c.logger.Debug("Host did not list its actions.", zap.Error(err))
		return
	}
	missing, extra := diffActions(c.registry.Names(), hostNames)
	if len(missing) == 0 && len(extra) == 0 {
		c.logger.Debug("Host serves every registered action.", zap.Int("actions", len(hostNames)))
		return
	}
	c.logger.Warn("Host action set differs from the registry.",
		zap.Strings("missing_on_host", missing),
		zap.Strings("unknown_to_client", extra))
}

// diffActions returns the names only in local and the names only in remote.
func diffActions(local, remote []string) (missing, extra []string) {
	seen := make(map[string]bool, len(remote))
	for _, name := range remote {
		seen[name] = true
	}
	for _, name := range local {
		if !seen[name] {
			missing = append(missing, name)
		}
		delete(seen, name)
	}
	for _, name := range remote {
		if seen[name] {
			extra = append(extra, name)
			delete(seen, name)
		}
	}
	return missing, extra
}
