package codify

import (
	"context"
	"encoding/json"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/kzh/vaultops/pkg/config"
	"github.com/kzh/vaultops/pkg/logger"
	"github.com/pulumi/pulumi/sdk/v3/go/auto"
	"github.com/pulumi/pulumi/sdk/v3/go/auto/optdestroy"
	"github.com/pulumi/pulumi/sdk/v3/go/auto/optpreview"
	"github.com/pulumi/pulumi/sdk/v3/go/auto/optup"
	"github.com/pulumi/pulumi/sdk/v3/go/common/apitype"
	"github.com/pulumi/pulumi/sdk/v3/go/common/tokens"
	"github.com/pulumi/pulumi/sdk/v3/go/common/workspace"
	"go.uber.org/zap"
)

const (
	ProjectName = "vaultops"
	StackName   = "vault"
)

var plugins = []struct{ name, version string }{
	{"vault", "v5.20.0"},
	{"cloudflare", "v5.44.0"},
}

type Options struct {
	// Dir holds the file backend and the workspace.
	Dir string
	// Passphrase encrypts secrets in the stack state.
	Passphrase string
	State      *config.State
}

// Stack is the codify deployment. Its state round-trips through storage so
// that the workspace directory can be thrown away between runs.
type Stack struct {
	stack auto.Stack
	state *config.State
	log   *zap.Logger
}

func New(ctx context.Context, program *Program, opts Options) (*Stack, error) {
	log := zap.L().Named("codify")
	if err := os.MkdirAll(opts.Dir, 0o700); err != nil {
		return nil, errors.Wrapf(err, "create %s", opts.Dir)
	}

	project := workspace.Project{
		Name:    tokens.PackageName(ProjectName),
		Runtime: workspace.NewProjectRuntimeInfo("go", nil),
		Backend: &workspace.ProjectBackend{URL: "file://" + opts.Dir},
	}
	stack, err := auto.UpsertStackInlineSource(ctx, StackName, ProjectName, program.Run,
		auto.Project(project),
		auto.WorkDir(opts.Dir),
		auto.SecretsProvider("passphrase"),
		auto.EnvVars(map[string]string{"PULUMI_CONFIG_PASSPHRASE": opts.Passphrase}),
	)
	if err != nil {
		return nil, errors.Wrap(err, "upsert codify stack")
	}

	for _, p := range plugins {
		if err := stack.Workspace().InstallPlugin(ctx, p.name, p.version); err != nil {
			return nil, errors.Wrapf(err, "install %s plugin %s", p.name, p.version)
		}
	}

	s := &Stack{stack: stack, state: opts.State, log: log}
	if err := s.importState(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Stack) importState(ctx context.Context) error {
	data, err := s.state.CodifyState(ctx)
	if err != nil {
		return err
	}
	if data == nil {
		s.log.Info("no stored codify state, starting empty")
		return nil
	}

	var deployment apitype.UntypedDeployment
	if err := json.Unmarshal(data, &deployment); err != nil {
		return errors.Wrap(err, "decode codify state")
	}
	return errors.Wrap(s.stack.Import(ctx, deployment), "import codify state")
}

func (s *Stack) exportState(ctx context.Context) error {
	deployment, err := s.stack.Export(ctx)
	if err != nil {
		return errors.Wrap(err, "export codify state")
	}
	data, err := json.Marshal(deployment)
	if err != nil {
		return errors.Wrap(err, "encode codify state")
	}
	return s.state.SaveCodifyState(ctx, data)
}

func (s *Stack) progress() logger.Writer {
	return logger.Writer{Log: s.log}
}

// Up applies the program. State is exported even when the update fails
// part way.
func (s *Stack) Up(ctx context.Context) error {
	res, err := s.stack.Up(ctx, optup.ProgressStreams(s.progress()))
	if err != nil {
		err = errors.Wrap(err, "codify up")
	} else {
		s.log.Info("codify up finished", zap.String("result", res.Summary.Result), zap.Any("changes", res.Summary.ResourceChanges))
	}
	return errors.CombineErrors(err, s.exportState(ctx))
}

func (s *Stack) Destroy(ctx context.Context) error {
	_, err := s.stack.Destroy(ctx, optdestroy.ProgressStreams(s.progress()))
	if err != nil {
		err = errors.Wrap(err, "codify destroy")
	} else {
		s.log.Info("codify destroy finished")
	}
	return errors.CombineErrors(err, s.exportState(ctx))
}

func (s *Stack) Preview(ctx context.Context) (map[apitype.OpType]int, error) {
	res, err := s.stack.Preview(ctx, optpreview.ProgressStreams(s.progress()))
	if err != nil {
		return nil, errors.Wrap(err, "codify preview")
	}
	return res.ChangeSummary, nil
}
