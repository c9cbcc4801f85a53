package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/prometheus/common/version"

	"github.com/gridqueue/gridqueue/pkg/api"
)

type globalFlags struct {
	addr    string
	timeout time.Duration
}

func (g *globalFlags) client() (*api.Client, error) {
	return api.NewClient(api.ClientConfig{Address: g.addr, Timeout: g.timeout})
}

func (g *globalFlags) context() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), g.timeout)
}

func main() {
	app := kingpin.New("gqcli", "Submit and inspect gridqueue requests.")
	app.Version(version.Print("gqcli"))
	app.HelpFlag.Short('h')

	g := &globalFlags{}
	app.Flag("addr", "Address of the global queue.").Envar("GRIDQUEUE_ADDR").Default("http://localhost:8080").StringVar(&g.addr)
	app.Flag("timeout", "Timeout of each API call.").Default("30s").DurationVar(&g.timeout)

	addSubmitCommand(app, g)
	addStatusCommand(app, g)
	addListCommand(app, g)
	addElementsCommand(app, g)
	addCancelCommand(app, g)
	addPriorityCommand(app, g)
	addArchiveCommand(app, g)

	kingpin.MustParse(app.Parse(os.Args[1:]))
}

func exitWithErr(err error) {
	fmt.Fprintln(os.Stderr, err.Error())
	os.Exit(1)
}
