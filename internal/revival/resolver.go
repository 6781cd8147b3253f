package revival

import (
	"context"
	"os"
	"regexp"
	"strings"
)

var variablePattern = regexp.MustCompile(`\$\{([a-zA-Z]+)(?::([^}]*))?\}`)

// NewWorkspaceResolverFactory returns a factory producing resolvers that
// expand the configuration variables a launch config may carry:
// ${workspaceFolder}, ${userHome}, ${pathSeparator} and ${env:NAME}.
// Unknown variables are left untouched.
func NewWorkspaceResolverFactory() ResolverFactory {
	return workspaceResolverFactory{}
}

type workspaceResolverFactory struct{}

func (workspaceResolverFactory) ResolverFor(workspaceRoot string) VariableResolver {
	return &workspaceResolver{root: workspaceRoot}
}

type workspaceResolver struct {
	root string
}

func (r *workspaceResolver) Resolve(_ context.Context, value string) (string, error) {
	if !strings.Contains(value, "${") {
		return value, nil
	}

	return variablePattern.ReplaceAllStringFunc(value, func(match string) string {
		groups := variablePattern.FindStringSubmatch(match)
		name, arg := groups[1], groups[2]

		switch name {
		case "workspaceFolder":
			return r.root
		case "userHome":
			home, err := os.UserHomeDir()
			if err != nil {
				return match
			}
			return home
		case "pathSeparator":
			return string(os.PathSeparator)
		case "env":
			return os.Getenv(arg)
		default:
			return match
		}
	}), nil
}
