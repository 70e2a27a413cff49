package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	flag "github.com/spf13/pflag"

	"github.com/BrandonDHaskell/Limen/server/internal/limen/credential"
	"github.com/BrandonDHaskell/Limen/server/internal/limen/store"
)

var errUsage = errors.New("invalid usage, run limenctl --help")

func run(ctx context.Context, st store.Backend, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}
	switch args[0] {
	case "device":
		return deviceCmd(ctx, st, args[1:], out)
	case "user":
		return userCmd(ctx, st, args[1:], out)
	case "card":
		return cardCmd(ctx, st, args[1:], out)
	case "grant":
		return grantCmd(ctx, st, args[1:], out)
	case "logs":
		return logsCmd(ctx, st, args[1:], out)
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}

// parse builds a flag set, parses args and checks required flags.
func parse(name string, args []string, define func(fs *flag.FlagSet), required ...string) (*flag.FlagSet, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	define(fs)
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	for _, r := range required {
		if v, _ := fs.GetString(r); strings.TrimSpace(v) == "" {
			return nil, fmt.Errorf("%s: --%s is required", name, r)
		}
	}
	return fs, nil
}

func deviceCmd(ctx context.Context, st store.Backend, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}
	var name, location, to string
	define := func(fs *flag.FlagSet) {
		fs.StringVar(&name, "name", "", "device name")
		fs.StringVar(&location, "location", "", "where the door is")
		fs.StringVar(&to, "to", "", "new device name")
	}

	switch args[0] {
	case "add":
		if _, err := parse("device add", args[1:], define, "name"); err != nil {
			return err
		}
		secret, hash, err := newSecret()
		if err != nil {
			return err
		}
		d, err := st.CreateDevice(ctx, name, location, hash)
		if err != nil {
			return fmt.Errorf("device add: %w", err)
		}
		fmt.Fprintf(out, "device %s created (channel %s)\n", d.Name, d.UnlockChannel)
		fmt.Fprintf(out, "secret: %s\n", secret)
		fmt.Fprintln(out, "store this secret on the device now; it cannot be shown again")
		return nil

	case "rename":
		if _, err := parse("device rename", args[1:], define, "name", "to"); err != nil {
			return err
		}
		d, err := st.RenameDevice(ctx, name, to)
		if err != nil {
			return fmt.Errorf("device rename: %w", err)
		}
		fmt.Fprintf(out, "device renamed to %s (channel %s)\n", d.Name, d.UnlockChannel)
		return nil

	case "reset-secret":
		if _, err := parse("device reset-secret", args[1:], define, "name"); err != nil {
			return err
		}
		secret, hash, err := newSecret()
		if err != nil {
			return err
		}
		if err := st.ResetDeviceSecret(ctx, name, hash); err != nil {
			return fmt.Errorf("device reset-secret: %w", err)
		}
		fmt.Fprintf(out, "secret: %s\n", secret)
		return nil

	case "enable", "disable":
		if _, err := parse("device "+args[0], args[1:], define, "name"); err != nil {
			return err
		}
		if err := st.SetDeviceActive(ctx, name, args[0] == "enable"); err != nil {
			return fmt.Errorf("device %s: %w", args[0], err)
		}
		fmt.Fprintf(out, "device %s %sd\n", name, args[0])
		return nil

	default:
		return fmt.Errorf("unknown device command %q", args[0])
	}
}

func newSecret() (secret, hash string, err error) {
	secret, err = credential.NewDeviceSecret()
	if err != nil {
		return "", "", err
	}
	hash, err = credential.HashSecret(secret)
	if err != nil {
		return "", "", err
	}
	return secret, hash, nil
}

func userCmd(ctx context.Context, st store.Backend, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}
	var studentID, name, email string
	define := func(fs *flag.FlagSet) {
		fs.StringVar(&studentID, "student-id", "", "student id")
		fs.StringVar(&name, "name", "", "display name")
		fs.StringVar(&email, "email", "", "registered email")
	}

	switch args[0] {
	case "add":
		if _, err := parse("user add", args[1:], define, "student-id", "name", "email"); err != nil {
			return err
		}
		u, err := st.CreateUser(ctx, studentID, name, email)
		if err != nil {
			return fmt.Errorf("user add: %w", err)
		}
		fmt.Fprintf(out, "user %s (%s) created\n", u.Name, u.StudentID)
		return nil

	case "enable", "disable":
		if _, err := parse("user "+args[0], args[1:], define, "student-id"); err != nil {
			return err
		}
		if err := st.SetUserActive(ctx, studentID, args[0] == "enable"); err != nil {
			return fmt.Errorf("user %s: %w", args[0], err)
		}
		fmt.Fprintf(out, "user %s %sd\n", studentID, args[0])
		return nil

	default:
		return fmt.Errorf("unknown user command %q", args[0])
	}
}

func cardCmd(ctx context.Context, st store.Backend, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}
	var uid, studentID string
	define := func(fs *flag.FlagSet) {
		fs.StringVar(&uid, "uid", "", "card uid")
		fs.StringVar(&studentID, "student-id", "", "owner; empty leaves the card unassigned")
	}

	switch args[0] {
	case "add":
		if _, err := parse("card add", args[1:], define, "uid"); err != nil {
			return err
		}
		if _, err := st.CreateCard(ctx, strings.ToUpper(uid), studentID); err != nil {
			return fmt.Errorf("card add: %w", err)
		}
		fmt.Fprintf(out, "card %s created\n", strings.ToUpper(uid))
		return nil

	case "enable", "disable":
		if _, err := parse("card "+args[0], args[1:], define, "uid"); err != nil {
			return err
		}
		if err := st.SetCardActive(ctx, strings.ToUpper(uid), args[0] == "enable"); err != nil {
			return fmt.Errorf("card %s: %w", args[0], err)
		}
		fmt.Fprintf(out, "card %s %sd\n", strings.ToUpper(uid), args[0])
		return nil

	default:
		return fmt.Errorf("unknown card command %q", args[0])
	}
}

func grantCmd(ctx context.Context, st store.Backend, args []string, out io.Writer) error {
	var studentID, device string
	_, err := parse("grant", args, func(fs *flag.FlagSet) {
		fs.StringVar(&studentID, "student-id", "", "student id")
		fs.StringVar(&device, "device", "", "device name")
	}, "student-id", "device")
	if err != nil {
		return err
	}
	if err := st.GrantDevice(ctx, studentID, device); err != nil {
		return fmt.Errorf("grant: %w", err)
	}
	fmt.Fprintf(out, "%s may open %s\n", studentID, device)
	return nil
}

func logsCmd(ctx context.Context, st store.Backend, args []string, out io.Writer) error {
	var limit int
	if _, err := parse("logs", args, func(fs *flag.FlagSet) {
		fs.IntVar(&limit, "limit", 50, "rows to show, newest first")
	}); err != nil {
		return err
	}
	recs, err := st.ListAccessLogs(ctx, limit)
	if err != nil {
		return fmt.Errorf("logs: %w", err)
	}
	for _, r := range recs {
		fmt.Fprintf(out, "%s\t%s\t%s\t%s\t%s\n",
			r.Timestamp.Format("2006-01-02 15:04:05"), r.Method, r.Status, r.CardUID, r.Details)
	}
	return nil
}
