package github

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/google/go-github/v62/github"
	"go.uber.org/zap"
)

// DispatchWorkflow triggers a workflow_dispatch event on repository.
func DispatchWorkflow(ctx context.Context, gh *github.Client, repository, workflow, ref string, inputs map[string]any) error {
	owner, repo, err := splitRepository(repository)
	if err != nil {
		return err
	}
	_, err = gh.Actions.CreateWorkflowDispatchEventByFileName(ctx, owner, repo, workflow, github.CreateWorkflowDispatchEventRequest{
		Ref:    ref,
		Inputs: inputs,
	})
	if err != nil {
		return errors.Wrapf(err, "dispatch %s on %s@%s", workflow, repository, ref)
	}
	zap.L().Named("github").Info("workflow dispatched", zap.String("repository", repository), zap.String("workflow", workflow), zap.String("ref", ref))
	return nil
}
