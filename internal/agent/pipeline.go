package agent

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pilotbridge/pilotbridge/internal/protocol"
)

// skipPermissionsFlag is always passed (spec §9, Open Question
// resolved): the task pipeline never attaches a TTY, so there is never
// an interactive prompt for the tool to wait on.
const skipPermissionsFlag = "--dangerously-skip-permissions"

// Emitter is how the pipeline surfaces frames back toward the mobile
// session; FrameRouter adapts RelayClient.Send (which also returns a
// bool) to this shape, and the pipeline only depends on this narrow seam
// so it can be tested without a live socket.
type Emitter func(protocol.Envelope)

// Pipeline runs the Agent Task Pipeline of §4.3: chat streaming,
// autonomous tasks, and repository listing, against one configured code
// tool binary and one Workspace.
type Pipeline struct {
	toolBinary string
	workspace  *Workspace
	forge      *ForgeClient
	logger     *zap.Logger
}

// NewPipeline constructs a Pipeline. toolBinary is the code-generation
// CLI to spawn (e.g. "claude").
func NewPipeline(toolBinary string, workspace *Workspace, forge *ForgeClient, logger *zap.Logger) *Pipeline {
	return &Pipeline{toolBinary: toolBinary, workspace: workspace, forge: forge, logger: logger}
}

// RunChat implements §4.3.2: a non-committing streaming invocation.
func (p *Pipeline) RunChat(ctx context.Context, sessionID, text, repoFullName, branchName string, emit Emitter) {
	dir := ""
	if repoFullName != "" {
		repo, err := p.resolveRepo(repoFullName, branchName)
		if err != nil {
			emit(protocol.ErrorFrame(sessionID, err.Error()))
			return
		}
		dir = repo.Path()
		// Chat never branches, commits, or pushes, so the per-repo lock
		// only needs to cover the clone/fetch Prepare already did.
		repo.Unlock()
	}

	cmd := exec.CommandContext(ctx, p.toolBinary, skipPermissionsFlag, "-p", text)
	cmd.Dir = dir
	cmd.Stdin = nil

	if err := p.streamProcess(cmd, sessionID, emit); err != nil {
		emit(protocol.ErrorFrame(sessionID, fmt.Sprintf("Failed to spawn '%s': %v", p.toolBinary, err)))
		return
	}
	emit(protocol.StreamEnd(sessionID))
}

// RunTask implements §4.3.3: a committing invocation that produces a
// branch, push, and pull request.
func (p *Pipeline) RunTask(ctx context.Context, sessionID, context_, repoFullName, baseBranch string, emit Emitter) {
	repo, err := p.resolveRepo(repoFullName, baseBranch)
	if err != nil {
		emit(protocol.ErrorFrame(sessionID, err.Error()))
		return
	}
	// Held for the rest of this function: branch/commit/push (and the
	// restoring checkout) must run as one exclusive sequence against this
	// repository's working copy, per §4.3.1.
	defer repo.Unlock()

	branch := taskBranchName(context_)
	if err := repo.CreateBranch(branch); err != nil {
		emit(protocol.ErrorFrame(sessionID, fmt.Sprintf("Failed to create branch: %v", err)))
		return
	}
	emit(protocol.StreamChunk(sessionID, fmt.Sprintf("Working on branch %s\n", branch)))

	cmd := exec.CommandContext(ctx, p.toolBinary, skipPermissionsFlag, "-p", context_)
	cmd.Dir = repo.Path()
	cmd.Stdin = nil

	if err := p.streamProcess(cmd, sessionID, emit); err != nil {
		emit(protocol.ErrorFrame(sessionID, fmt.Sprintf("Failed to spawn '%s': %v", p.toolBinary, err)))
		return
	}

	changed, err := repo.HasChanges()
	if err != nil {
		emit(protocol.ErrorFrame(sessionID, fmt.Sprintf("Failed to check working tree: %v", err)))
		return
	}
	if !changed {
		emit(protocol.ErrorFrame(sessionID, "No changes to commit"))
		return
	}

	commitMsg := commitMessage(context_)
	if err := repo.CommitAll(commitMsg); err != nil {
		emit(protocol.ErrorFrame(sessionID, err.Error()))
		return
	}
	if err := repo.PushBranch(branch); err != nil {
		emit(protocol.ErrorFrame(sessionID, err.Error()))
		return
	}

	// Return to the base branch so the next Prepare's fetch stays
	// idempotent (§4.3.3 step 8).
	if err := repo.CheckoutBranch(baseBranch); err != nil {
		p.logger.Warn("agent: failed to restore base branch", zap.Error(err))
	}

	prTitle := prTitle(context_)
	pr, err := p.forge.CreatePullRequest(ctx, repoFullName, branch, baseBranch, prTitle, context_)
	if err != nil {
		emit(protocol.ErrorFrame(sessionID, fmt.Sprintf("Failed to open pull request: %v", err)))
		return
	}

	emit(protocol.TaskDone(sessionID, pr.URL, pr.Title))
}

// RunRepoList implements §4.3.4.
func (p *Pipeline) RunRepoList(ctx context.Context, sessionID string, emit Emitter) {
	repos, err := p.forge.ListRepositories(ctx)
	if err != nil {
		emit(protocol.ErrorFrame(sessionID, err.Error()))
		return
	}
	emit(protocol.RepoListResult(sessionID, repos))
}

// resolveRepo prepares the working copy and returns it with its
// per-repository lock held, per Workspace.Prepare's contract; callers
// must call (*Repo).Unlock exactly once, however far into their own
// branch/commit/push sequence they need that exclusivity to extend.
func (p *Pipeline) resolveRepo(fullName, branch string) (*Repo, error) {
	meta, err := p.forge.RepoMeta(context.Background(), fullName)
	if err != nil {
		return nil, fmt.Errorf("resolve repository %s: %w", fullName, err)
	}
	defaultBranch := meta.DefaultBranch
	if branch != "" {
		defaultBranch = branch
	}
	return p.workspace.Prepare(fullName, meta.CloneURL, p.forge.token, defaultBranch)
}

// streamProcess runs cmd, forwarding every chunk read from stdout or
// stderr as a stream_chunk frame immediately, with no buffering beyond
// the OS read size. The two streams are drained concurrently with
// errgroup so a slow stderr reader never blocks stdout delivery, and a
// read error on either surfaces through the group's combined error.
func (p *Pipeline) streamProcess(cmd *exec.Cmd, sessionID string, emit Emitter) error {
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}

	if err := cmd.Start(); err != nil {
		return err
	}

	g := new(errgroup.Group)
	g.Go(func() error { return drainChunks(stdout, sessionID, emit) })
	g.Go(func() error { return drainChunks(stderr, sessionID, emit) })

	drainErr := g.Wait()
	waitErr := cmd.Wait()
	if drainErr != nil {
		return drainErr
	}
	_ = waitErr // exit code is ignored for chat and task streaming alike
	return nil
}

func drainChunks(r io.Reader, sessionID string, emit Emitter) error {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			emit(protocol.StreamChunk(sessionID, string(buf[:n])))
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}

var slugNonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

// taskBranchName derives claude-mobile/<slug>-<base36-timestamp> per
// §4.3.3 step 2.
func taskBranchName(taskContext string) string {
	slug := slugify(taskContext)
	return fmt.Sprintf("claude-mobile/%s-%s", slug, strconv.FormatInt(time.Now().Unix(), 36))
}

func slugify(s string) string {
	lower := strings.ToLower(s)
	collapsed := slugNonAlnum.ReplaceAllString(lower, "-")
	collapsed = strings.Trim(collapsed, "-")
	if len(collapsed) > 50 {
		collapsed = collapsed[:50]
	}
	return strings.Trim(collapsed, "-")
}

func commitMessage(taskContext string) string {
	summary := taskContext
	if len(summary) > 72 {
		summary = summary[:72]
	}
	return fmt.Sprintf("claude-mobile: %s", summary)
}

func prTitle(taskContext string) string {
	title := taskContext
	if len(title) > 80 {
		title = title[:80]
	}
	return title
}
