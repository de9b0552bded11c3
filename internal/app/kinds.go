package app

import (
	"bytes"
	"context"
	"os/exec"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/kballard/go-shellquote"

	"jobsched/internal/task/engine"
	"jobsched/internal/task/job"
	logx "jobsched/pkg/logx"
	"jobsched/pkg/unitctl"
)

const (
	KindLog     = "log"
	KindExec    = "exec"
	KindSystemd = "systemd"

	// maxOutput bounds the command output kept in job data and errors.
	maxOutput = 4 << 10
)

type kindRegistrar interface {
	Register(kind string, fn job.Func) error
}

// unitController is what the systemd kind needs from unitctl.Manager.
type unitController interface {
	Do(ctx context.Context, action unitctl.Action, unit string) (string, error)
}

func registerBuiltinKinds(r kindRegistrar, log logx.Logger, units unitController) error {
	kinds := []struct {
		name string
		fn   func(logx.Logger) job.Func
	}{
		{KindLog, logKind},
		{KindExec, execKind},
		{KindSystemd, func(l logx.Logger) job.Func { return systemdKind(l, units) }},
	}
	for _, k := range kinds {
		if err := r.Register(k.name, k.fn(log.With(logx.String("kind", k.name)))); err != nil {
			return err
		}
	}
	return nil
}

// logKind logs "message" (or a default) with the rest of the fire data as fields.
func logKind(log logx.Logger) job.Func {
	return func(_ context.Context, f job.Fire) (job.Data, error) {
		msg := f.Data.String("message")
		if msg == "" {
			msg = "job fired"
		}
		fields := []logx.Field{
			logx.String("job", f.Job.Key.String()),
			logx.String("fire", f.ID),
			logx.Time("scheduled", f.ScheduledTime),
		}
		if f.Trigger != nil {
			fields = append(fields, logx.String("trigger", f.Trigger.Key.String()))
		}
		keys := make([]string, 0, len(f.Data))
		for k := range f.Data {
			if k != "message" {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		for _, k := range keys {
			fields = append(fields, logx.Any("data."+k, f.Data[k]))
		}
		log.Info(msg, fields...)
		return nil, nil
	}
}

// execKind runs data.command (shell-quoted, no shell involved) under the run
// context. data.dir sets the working directory and data.env (a map) adds
// environment variables. The exit code and trimmed output are recorded in the
// returned data.
func execKind(log logx.Logger) job.Func {
	return func(ctx context.Context, f job.Fire) (job.Data, error) {
		line := strings.TrimSpace(f.Data.String("command"))
		if line == "" {
			return nil, engine.NoRetry(errors.New("exec: data.command is required"))
		}
		args, err := shellquote.Split(line)
		if err != nil {
			return nil, engine.NoRetry(errors.Wrapf(err, "exec: parse command %q", line))
		}
		if len(args) == 0 {
			return nil, engine.NoRetry(errors.New("exec: empty command"))
		}

		cmd := exec.CommandContext(ctx, args[0], args[1:]...)
		cmd.Dir = f.Data.String("dir")
		if env, ok := f.Data["env"].(map[string]any); ok {
			cmd.Env = cmd.Environ()
			for k, v := range env {
				if s, ok := v.(string); ok {
					cmd.Env = append(cmd.Env, k+"="+s)
				}
			}
		}
		var out bytes.Buffer
		cmd.Stdout = &out
		cmd.Stderr = &out

		runErr := cmd.Run()
		code := 0
		if cmd.ProcessState != nil {
			code = cmd.ProcessState.ExitCode()
		}
		output := tail(out.String(), maxOutput)

		data := f.Data.Clone()
		if data == nil {
			data = job.Data{}
		}
		data["last_exit_code"] = code
		data["last_output"] = output

		log.Debug("command finished",
			logx.String("job", f.Job.Key.String()),
			logx.String("cmd", args[0]),
			logx.Int("exit_code", code),
		)
		if runErr != nil {
			var notFound *exec.Error
			if errors.As(runErr, &notFound) {
				return nil, engine.NoRetry(errors.Wrapf(runErr, "exec %s", args[0]))
			}
			return data, errors.Wrapf(runErr, "exec %s: %s", args[0], output)
		}
		return data, nil
	}
}

// systemdKind runs data.action (start, stop, restart, reload or status) on
// data.unit and records the outcome as last_result.
func systemdKind(log logx.Logger, units unitController) job.Func {
	return func(ctx context.Context, f job.Fire) (job.Data, error) {
		unit := f.Data.String("unit")
		if _, err := unitctl.UnitName(unit); err != nil {
			return nil, engine.NoRetry(errors.Wrap(err, "systemd"))
		}
		action, err := unitctl.ParseAction(f.Data.String("action"))
		if err != nil {
			return nil, engine.NoRetry(errors.Wrap(err, "systemd"))
		}

		res, err := units.Do(ctx, action, unit)
		switch {
		case errors.Is(err, unitctl.ErrUnsupported), errors.Is(err, unitctl.ErrNoSuchUnit):
			return nil, engine.NoRetry(err)
		case err != nil && res == "":
			return nil, err
		}

		data := f.Data.Clone()
		if data == nil {
			data = job.Data{}
		}
		data["last_result"] = res
		log.Debug("unit action finished",
			logx.String("job", f.Job.Key.String()),
			logx.String("unit", unit),
			logx.String("action", string(action)),
			logx.String("result", res),
		)
		return data, err
	}
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
