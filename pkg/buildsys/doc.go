// Package buildsys implements a declarative build pipeline runner. Tasks read files through glob
// patterns, pass them through a chain of stages and write the result to a destination directory.
// Tasks can depend on other tasks and can be re-run whenever watched files change.
//
// Task definitions are loaded from Starlark (tasks.star) or YAML (tasks.yml) files and the
// stage implementations are provided by the caller through a StageRegistry.
package buildsys
