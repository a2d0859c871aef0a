// Package main is the powermon command itself.
package main

import (
	"context"

	"github.com/edaniels/golog"
	"go.viam.com/utils"

	"github.com/dsmhw/powermon/cli"
)

var logger = golog.NewDevelopmentLogger("powermon")

func main() {
	utils.ContextualMain(mainWithArgs, logger)
}

func mainWithArgs(ctx context.Context, args []string, logger golog.Logger) error {
	return cli.NewApp().RunContext(ctx, args)
}
