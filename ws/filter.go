package ws

import (
	"github.com/antonmedv/expr"
	"github.com/antonmedv/expr/vm"

	"github.com/relaychat/relay/config"
	"github.com/relaychat/relay/filter"
	"github.com/relaychat/relay/globals"
	"github.com/relaychat/relay/types"
)

// compileRoomFilters compiles the configured message_filter expression of
// each room once at startup. A filter that does not compile is logged and
// skipped, it never blocks delivery.
func compileRoomFilters(roomConfigs []config.RoomConfig) map[string]*vm.Program {
	programs := make(map[string]*vm.Program)
	for _, roomConfig := range roomConfigs {
		if roomConfig.Name == "" || roomConfig.MessageFilter == "" {
			continue
		}
		prog, err := expr.Compile(roomConfig.MessageFilter, expr.Env(filter.Env{}))
		if err != nil {
			globals.AppLogger.Error("could not compile message filter", "room", roomConfig.Name, "error", err)
			continue
		}
		programs[roomConfig.Name] = prog
	}
	return programs
}

func (c *Client) runMessageFilter(msg *types.Message, prog *vm.Program) bool {
	if prog == nil {
		return true
	}
	identity, _ := c.snapshot()
	env := filter.Env{
		Room:     msg.Room,
		Author:   filter.User{Username: msg.Author, Picture: msg.Picture},
		Target:   filter.User{Username: identity.Username, Picture: identity.Picture},
		Content:  msg.Content,
		Mentions: msg.Mentions,
		Created:  msg.CreatedAt.Unix(),
	}
	res, err := expr.Run(prog, env)
	if err != nil {
		globals.AppLogger.Error("could not run message filter", "error", err)
		return false
	}
	bRes, ok := res.(bool)
	return ok && bRes
}
