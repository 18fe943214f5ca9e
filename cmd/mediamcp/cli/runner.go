package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/felixgeelhaar/mediamcp/internal/observe"
	"github.com/felixgeelhaar/mediamcp/internal/orchestrate"
	"github.com/felixgeelhaar/mediamcp/internal/ui"
)

// Runner sends utterances to one conversation and prints the answers.
type Runner struct {
	Observer       *observe.Observer
	Manager        *orchestrate.Manager
	UI             ui.UI
	Out            io.Writer
	ConversationID string
}

func NewRunner(obs *observe.Observer, m *orchestrate.Manager, u ui.UI, out io.Writer) *Runner {
	if u == nil {
		u = ui.SilentUI{}
	}
	return &Runner{
		Observer: obs,
		Manager:  m,
		UI:       u,
		Out:      out,
	}
}

// Ask runs one request and returns the user-visible answer. Aborted
// requests return their explanation together with the error.
func (r *Runner) Ask(ctx context.Context, utterance string) (string, error) {
	r.UI.UpdateStatus("Thinking...")
	out, err := r.Manager.Ask(ctx, r.ConversationID, utterance)
	if out == nil {
		r.UI.UpdateStatus("Failed")
		r.Observer.Log().Error().Err(err).Msg("request could not start")
		return "", err
	}
	r.ConversationID = out.ConversationID
	if err != nil {
		r.UI.UpdateStatus("Aborted")
		r.Observer.Log().Warn().Str("conversation", out.ConversationID).Err(err).Msg("request aborted")
		return out.Answer, err
	}
	r.UI.UpdateStatus("Done")
	return out.Answer, nil
}

// Run asks and prints the answer.
func (r *Runner) Run(ctx context.Context, utterance string) error {
	answer, err := r.Ask(ctx, utterance)
	if answer != "" {
		fmt.Fprintln(r.Out, answer)
	}
	return err
}
