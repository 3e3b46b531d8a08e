package console

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/janpfeifer/lisaGo/internal/config"
)

var (
	layerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("13"))
	taskStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("10"))
	detailStyle = lipgloss.NewStyle().
			Faint(true)
	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			Padding(0, 1)
)

// taskDetails lists the output function, the decoding and the penalty of the task.
func taskDetails(task config.TaskSpec) string {
	parts := []string{task.OutputFn.Name}
	switch {
	case task.CRF:
		parts = append(parts, "crf")
	case task.Viterbi:
		parts = append(parts, "viterbi")
	}
	if task.Penalty != 1 {
		parts = append(parts, fmt.Sprintf("penalty=%g", task.Penalty))
	}
	if evals := task.EvalFns.Keys(); len(evals) > 0 {
		parts = append(parts, "eval="+strings.Join(evals, "+"))
	}
	return strings.Join(parts, ", ")
}

// Topology renders the transformer layers, from the input up, with the tasks attached after each one.
func Topology(layers config.LayerConfig, tasks config.TaskConfig) string {
	numLayers := tasks.NumLayers()
	lines := make([]string, 0, numLayers+2)
	for layer := numLayers - 1; layer >= 0; layer-- {
		line := layerStyle.Render(fmt.Sprintf("layer %2d", layer))
		if layerTasks, found := tasks[layer]; found {
			var names []string
			for name, task := range layerTasks.All() {
				names = append(names, taskStyle.Render(name)+" "+detailStyle.Render("("+taskDetails(task)+")"))
			}
			line += "  ->  " + strings.Join(names, "  ")
		}
		lines = append(lines, line)
	}
	lines = append(lines, detailStyle.Render(fmt.Sprintf(
		"%d heads x %d dims, feed-forward %d", layers.NumHeads, layers.HeadDim, layers.FFHiddenSize)))
	return boxStyle.Render(strings.Join(lines, "\n"))
}
