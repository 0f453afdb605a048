package verifier

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/orchidbot/orchid/pkg/bus"
	"github.com/orchidbot/orchid/pkg/logger"
	"github.com/orchidbot/orchid/pkg/store"
	"github.com/orchidbot/orchid/pkg/taskman"
)

const maxVerifyOutput = 2000

// Relauncher re-runs a failed task. The background runner implements it.
type Relauncher interface {
	Relaunch(ctx context.Context, taskID string) error
}

// Options configures verification runs.
type Options struct {
	CommandTimeout time.Duration // per-command budget
	MaxRetries     int           // failed verifications re-open the task this many times
}

func (o *Options) fill() {
	if o.CommandTimeout <= 0 {
		o.CommandTimeout = 2 * time.Minute
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
}

// Verifier watches completed tasks and runs their verify command. A pass
// stamps the task metadata; a fail re-opens the task through the relauncher
// until the retry budget runs out.
type Verifier struct {
	tasks    *taskman.Manager
	store    *store.Store
	bus      *bus.EventBus
	relaunch Relauncher
	opts     Options

	mu          sync.Mutex
	unsubscribe func()
	wg          sync.WaitGroup
}

func NewVerifier(tasks *taskman.Manager, st *store.Store, eventBus *bus.EventBus, relaunch Relauncher, opts Options) *Verifier {
	opts.fill()
	return &Verifier{
		tasks:    tasks,
		store:    st,
		bus:      eventBus,
		relaunch: relaunch,
		opts:     opts,
	}
}

// Start subscribes to task completions. Verification runs off the bus
// goroutine so a slow command never stalls other handlers.
func (v *Verifier) Start() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.unsubscribe != nil {
		return
	}
	v.unsubscribe = v.bus.On(bus.EventTaskCompleted, func(payload any) {
		data, ok := payload.(map[string]any)
		if !ok {
			return
		}
		task, ok := data["task"].(*store.Task)
		if !ok || task == nil {
			return
		}
		if task.VerifyCommand == "" {
			return
		}
		if passed, _ := task.Metadata["verifyPassed"].(bool); passed {
			return
		}
		v.wg.Add(1)
		go func() {
			defer v.wg.Done()
			v.verify(task)
		}()
	})
}

// Stop unsubscribes and waits for in-flight verifications.
func (v *Verifier) Stop() {
	v.mu.Lock()
	unsub := v.unsubscribe
	v.unsubscribe = nil
	v.mu.Unlock()
	if unsub != nil {
		unsub()
	}
	v.wg.Wait()
}

func (v *Verifier) verify(task *store.Task) {
	ctx, cancel := context.WithTimeout(context.Background(), v.opts.CommandTimeout+10*time.Second)
	defer cancel()

	output, passed := v.runCommand(task.VerifyCommand)

	logger.InfoCF("verifier", "Verification finished", map[string]any{
		"task_id": task.ID,
		"passed":  passed,
	})
	v.audit(ctx, task, passed, output)

	if passed {
		if _, err := v.tasks.UpdateTask(ctx, task.ID, taskman.Changes{
			Metadata: map[string]any{"verifyPassed": true},
		}); err != nil {
			logger.ErrorCF("verifier", "Failed to stamp verification", map[string]any{
				"task_id": task.ID,
				"error":   err.Error(),
			})
		}
		v.bus.Emit(bus.EventTaskVerificationPassed, map[string]any{
			"task_id": task.ID,
			"output":  output,
		})
		return
	}

	failed, err := v.tasks.Fail(ctx, task.ID, "Verification failed: "+output)
	if err != nil {
		logger.ErrorCF("verifier", "Failed to re-open task", map[string]any{
			"task_id": task.ID,
			"error":   err.Error(),
		})
		return
	}
	v.bus.Emit(bus.EventTaskVerificationFailed, map[string]any{
		"task_id": task.ID,
		"output":  output,
		"retries": failed.RetryCount,
	})

	if failed.RetryCount > v.opts.MaxRetries {
		logger.WarnCF("verifier", "Verification retry budget exhausted", map[string]any{
			"task_id": task.ID,
			"retries": failed.RetryCount,
		})
		return
	}
	if v.relaunch == nil {
		return
	}
	if err := v.relaunch.Relaunch(ctx, task.ID); err != nil {
		logger.ErrorCF("verifier", "Relaunch after verification failure", map[string]any{
			"task_id": task.ID,
			"error":   err.Error(),
		})
	}
}

// runCommand executes the verify command under sh with the configured
// timeout. Output is capped so failure context stays storable.
func (v *Verifier) runCommand(command string) (string, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), v.opts.CommandTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	out, err := cmd.CombinedOutput()

	output := string(out)
	if len(output) > maxVerifyOutput {
		output = output[:maxVerifyOutput]
	}

	if ctx.Err() == context.DeadlineExceeded {
		return fmt.Sprintf("command timed out after %s (exit 124)", v.opts.CommandTimeout), false
	}
	if err != nil {
		if output == "" {
			output = err.Error()
		}
		return output, false
	}
	return output, true
}

func (v *Verifier) audit(ctx context.Context, task *store.Task, passed bool, output string) {
	result := store.AuditSuccess
	if !passed {
		result = store.AuditFailure
	}
	if err := v.store.Audit.Append(ctx, &store.AuditEntry{
		Action:   "task.verify",
		TargetID: task.ID,
		AgentID:  task.Owner,
		Result:   result,
		Details:  map[string]any{"command": task.VerifyCommand, "output": output},
	}); err != nil {
		logger.WarnCF("verifier", "Audit append failed", map[string]any{"error": err.Error()})
	}
}
