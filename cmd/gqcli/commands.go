package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/alecthomas/kingpin/v2"
	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	jsoniter "github.com/json-iterator/go"
	"gopkg.in/yaml.v3"

	"github.com/gridqueue/gridqueue/pkg/element"
	"github.com/gridqueue/gridqueue/pkg/spec"
	"github.com/gridqueue/gridqueue/pkg/workqueue"
)

// submitCommand submits a specification read from a YAML or JSON file.
type submitCommand struct {
	g    *globalFlags
	file string
}

func addSubmitCommand(app *kingpin.Application, g *globalFlags) {
	cmd := &submitCommand{g: g}
	c := app.Command("submit", "Submit a request specification.").Action(cmd.run)
	c.Arg("file", "Specification file, YAML or JSON.").Required().ExistingFileVar(&cmd.file)
}

func (cmd *submitCommand) run(_ *kingpin.ParseContext) error {
	s, err := readSpec(cmd.file)
	if err != nil {
		return err
	}
	client, err := cmd.g.client()
	if err != nil {
		return err
	}
	ctx, cancel := cmd.g.context()
	defer cancel()

	rec, err := client.Submit(ctx, s)
	if err != nil {
		return err
	}
	fmt.Printf("request %s accepted, state %s\n", rec.Spec.Name, rec.State)
	if rec.LastError != "" {
		fmt.Printf("last error: %s\n", rec.LastError)
	}
	return nil
}

func readSpec(path string) (*spec.Specification, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var s spec.Specification
	if strings.EqualFold(filepath.Ext(path), ".json") {
		err = jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(buf, &s)
	} else {
		err = yaml.Unmarshal(buf, &s)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return &s, nil
}

type statusCommand struct {
	g    *globalFlags
	name string
}

func addStatusCommand(app *kingpin.Application, g *globalFlags) {
	cmd := &statusCommand{g: g}
	c := app.Command("status", "Print the aggregated status of a request.").Action(cmd.run)
	c.Arg("name", "Request name.").Required().StringVar(&cmd.name)
}

func (cmd *statusCommand) run(_ *kingpin.ParseContext) error {
	client, err := cmd.g.client()
	if err != nil {
		return err
	}
	ctx, cancel := cmd.g.context()
	defer cancel()

	st, err := client.Status(ctx, cmd.name)
	if err != nil {
		return err
	}
	printStatus(st)
	return nil
}

func printStatus(st *workqueue.RequestStatus) {
	bold := color.New(color.Bold)
	bold.Printf("Request %s\n", st.Name)
	fmt.Printf("\tstate: %s, submitted %s\n", st.State, humanize.Time(st.SubmittedAt))
	fmt.Printf("\tstatus: %s, priority %d, team %s\n", colorStatus(st.Result.Status), st.Result.Priority, st.Result.Team)
	fmt.Printf("\telements: %d, jobs: %s\n", st.Elements, humanize.Comma(int64(st.Result.Jobs)))
	fmt.Printf("\tcomplete: %.1f%%, success: %.1f%%\n", st.Result.PercentComplete, st.Result.PercentSuccess)
	if st.LastError != "" {
		color.Red("\tlast error: %s\n", st.LastError)
	}
}

func colorStatus(s element.Status) string {
	switch s {
	case element.StatusDone:
		return color.GreenString("%s", s)
	case element.StatusFailed, element.StatusCanceled:
		return color.RedString("%s", s)
	case element.StatusCancelRequested:
		return color.YellowString("%s", s)
	}
	return color.BlueString("%s", s)
}

type listCommand struct {
	g *globalFlags
}

func addListCommand(app *kingpin.Application, g *globalFlags) {
	cmd := &listCommand{g: g}
	app.Command("list", "List accepted requests.").Action(cmd.run)
}

func (cmd *listCommand) run(_ *kingpin.ParseContext) error {
	client, err := cmd.g.client()
	if err != nil {
		return err
	}
	ctx, cancel := cmd.g.context()
	defer cancel()

	recs, err := client.Requests(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tTEAM\tPOLICY\tPRIORITY\tSTATE\tSUBMITTED")
	for _, r := range recs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n", r.Spec.Name, r.Spec.Team, r.Spec.Policy, r.Spec.Priority, r.State, humanize.Time(r.SubmittedAt))
	}
	return w.Flush()
}

type elementsCommand struct {
	g    *globalFlags
	name string
}

func addElementsCommand(app *kingpin.Application, g *globalFlags) {
	cmd := &elementsCommand{g: g}
	c := app.Command("elements", "List the elements of a request.").Action(cmd.run)
	c.Arg("name", "Request name.").Required().StringVar(&cmd.name)
}

func (cmd *elementsCommand) run(_ *kingpin.ParseContext) error {
	client, err := cmd.g.client()
	if err != nil {
		return err
	}
	ctx, cancel := cmd.g.context()
	defer cancel()

	elements, err := client.Elements(ctx, cmd.name)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tJOBS\tEVENTS\tINPUT\tOWNER\tSITE\tCOMPLETE")
	for _, e := range elements {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\t%s\t%.1f%%\n",
			e.ID, colorStatus(e.Status), e.Jobs,
			humanize.Comma(int64(e.Mask.EventCount)),
			humanize.Bytes(inputSize(e)),
			e.Owner, e.Site, e.Progress.PercentComplete)
	}
	return w.Flush()
}

func inputSize(e *element.WorkElement) uint64 {
	var size uint64
	for _, b := range e.Blocks {
		size += b.Size
	}
	return size
}

type cancelCommand struct {
	g    *globalFlags
	name string
}

func addCancelCommand(app *kingpin.Application, g *globalFlags) {
	cmd := &cancelCommand{g: g}
	c := app.Command("cancel", "Cancel a request.").Action(cmd.run)
	c.Arg("name", "Request name.").Required().StringVar(&cmd.name)
}

func (cmd *cancelCommand) run(_ *kingpin.ParseContext) error {
	client, err := cmd.g.client()
	if err != nil {
		return err
	}
	ctx, cancel := cmd.g.context()
	defer cancel()

	if err := client.Cancel(ctx, cmd.name); err != nil {
		return err
	}
	fmt.Printf("cancellation of %s requested\n", cmd.name)
	return nil
}

type priorityCommand struct {
	g        *globalFlags
	name     string
	priority int
}

func addPriorityCommand(app *kingpin.Application, g *globalFlags) {
	cmd := &priorityCommand{g: g}
	c := app.Command("priority", "Change the priority of a request.").Action(cmd.run)
	c.Arg("name", "Request name.").Required().StringVar(&cmd.name)
	c.Arg("priority", "New priority.").Required().IntVar(&cmd.priority)
}

func (cmd *priorityCommand) run(_ *kingpin.ParseContext) error {
	client, err := cmd.g.client()
	if err != nil {
		return err
	}
	ctx, cancel := cmd.g.context()
	defer cancel()

	if err := client.UpdatePriority(ctx, cmd.name, cmd.priority); err != nil {
		return err
	}
	fmt.Printf("priority of %s set to %d\n", cmd.name, cmd.priority)
	return nil
}

type archiveCommand struct {
	g    *globalFlags
	name string
}

func addArchiveCommand(app *kingpin.Application, g *globalFlags) {
	cmd := &archiveCommand{g: g}
	c := app.Command("archive", "List archived requests, or show one of them.").Action(cmd.run)
	c.Arg("name", "Archived request name.").StringVar(&cmd.name)
}

func (cmd *archiveCommand) run(_ *kingpin.ParseContext) error {
	client, err := cmd.g.client()
	if err != nil {
		return err
	}
	ctx, cancel := cmd.g.context()
	defer cancel()

	if cmd.name == "" {
		names, err := client.Archived(ctx)
		if err != nil {
			return err
		}
		for _, n := range names {
			fmt.Println(n)
		}
		return nil
	}
	s, err := client.Snapshot(ctx, cmd.name)
	if err != nil {
		return err
	}
	fmt.Printf("%s archived %s with %d elements\n", cmd.name, humanize.Time(s.ArchivedAt), len(s.Elements))
	for _, e := range s.Elements {
		fmt.Printf("\t%s\t%s\t%d jobs\n", e.ID, colorStatus(e.Status), e.Jobs)
	}
	return nil
}
