package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"errtrack/src/config"
	"errtrack/src/model"
	"errtrack/src/store"
)

var Version string

func main() {
	app := cli.NewApp()
	app.Name = "errtrack"
	app.Usage = "The errtrack command line interface"

	app.Commands = []cli.Command{
		overviewCMD,
		errorCMD,
		handledCMD,
	}

	if err := app.Run(os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var (
	overviewCMD = cli.Command{
		Name:        "overview",
		Usage:       "summarize unhandled errors",
		Action:      overviewAction,
		ArgsUsage:   "",
		Flags:       []cli.Flag{},
		Description: `Show how many errors are unhandled, the most recent one and the most common one`,
	}
	errorCMD = cli.Command{
		Name:        "error",
		Usage:       "inspect one error record",
		Action:      errorAction,
		ArgsUsage:   "<id>",
		Flags:       []cli.Flag{},
		Description: `Show the state and latest stack context of one error record`,
	}
	handledCMD = cli.Command{
		Name:        "handled",
		Usage:       "show or set the handled flag",
		Action:      handledAction,
		ArgsUsage:   "<id> [true|false]",
		Flags:       []cli.Flag{},
		Description: `Without a value, reports the handled state; with one, sets it`,
	}
)

func openStore() (*store.Store, error) {
	st, err := store.FromConfig(config.GetConfig())
	if err != nil {
		logrus.WithError(err).Error("Failed to configure error store")
		return nil, err
	}
	return st, nil
}

func overviewAction(_ *cli.Context) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	unhandled, err := st.GetAllUnhandled(context.Background())
	if err != nil {
		return err
	}
	if len(unhandled) == 0 {
		fmt.Println("There are currently no unhandled errors.")
		return nil
	}

	recent := unhandled[0]
	common := unhandled[0]
	for _, rec := range unhandled[1:] {
		if rec.ID > recent.ID {
			recent = rec
		}
		if rec.Occurrences > common.Occurrences {
			common = rec
		}
	}

	fmt.Printf("There are currently %d unhandled errors.\n", len(unhandled))
	fmt.Printf("The most recent error is #%d, and was first seen on %s.\n",
		recent.ID, recent.OccurredAt.Format("Mon, Jan 02 at 15:04 MST"))
	fmt.Printf("The most common error is #%d, and has occurred %d times.\n",
		common.ID, common.Occurrences)
	return nil
}

func errorAction(c *cli.Context) error {
	id, err := parseIDArg(c)
	if err != nil {
		return err
	}

	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	rec, err := st.GetError(context.Background(), id)
	if err != nil {
		return err
	}
	if rec == nil {
		fmt.Printf("Error #%d does not exist.\n", id)
		return nil
	}

	fmt.Printf("Error #%d has occurred %d times, and is currently %s.\n",
		rec.ID, rec.Occurrences, handledLabel(rec.Handled))
	fmt.Printf("It was first seen on %s\n", rec.OccurredAt.Format("Mon, Jan 02 at 15:04 MST"))

	tail := rec.Stack
	if len(tail) > 2 {
		tail = tail[len(tail)-2:]
	}
	fmt.Printf("```\n%s\n```\n", strings.TrimSpace(strings.Join(tail, "\n")))
	if !rec.Handled {
		fmt.Printf("To mark this error as handled, use `errtrack handled %d true`\n", rec.ID)
	}
	return nil
}

func handledAction(c *cli.Context) error {
	id, err := parseIDArg(c)
	if err != nil {
		return err
	}

	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	var rec *model.Record
	if c.NArg() < 2 {
		rec, err = st.GetError(context.Background(), id)
		if err != nil {
			return err
		}
		if rec == nil {
			fmt.Printf("Error #%d does not exist.\n", id)
			return nil
		}
		fmt.Printf("Error #%d is %s\n", rec.ID, handledLabel(rec.Handled))
		return nil
	}

	state, err := strconv.ParseBool(c.Args().Get(1))
	if err != nil {
		return fmt.Errorf("invalid handled value %q", c.Args().Get(1))
	}

	rec, err = st.SetHandled(context.Background(), id, state)
	if err != nil {
		return err
	}
	if rec == nil {
		fmt.Printf("Error #%d does not exist.\n", id)
		return nil
	}
	fmt.Printf("Error #%d is now %s\n", rec.ID, handledLabel(rec.Handled))
	return nil
}

func parseIDArg(c *cli.Context) (int64, error) {
	if c.NArg() < 1 {
		return 0, fmt.Errorf("an error id is required")
	}
	id, err := strconv.ParseInt(c.Args().Get(0), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid error id %q", c.Args().Get(0))
	}
	return id, nil
}

func handledLabel(handled bool) string {
	if handled {
		return "HANDLED"
	}
	return "UNHANDLED"
}
