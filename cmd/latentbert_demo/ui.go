package main

import (
	"fmt"
	"math"
	"strings"

	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/latentbert/embedders"
)

type uiModel struct {
	textarea  textarea.Model
	viewport  viewport.Model
	submitted bool
	embedder  *embedders.Embedder
	err       error
}

func newUIModel() *uiModel {
	ta := textarea.New()
	ta.Placeholder = "Text to encode:"
	ta.Focus()

	vp := viewport.New(0, 0)
	vp.Style = lipgloss.NewStyle().Margin(1, 2).
		Border(lipgloss.NormalBorder()).BorderForeground(lipgloss.Color("99"))

	return &uiModel{
		textarea: ta,
		viewport: vp,
		embedder: BuildEmbedder(),
	}
}

func (m *uiModel) Init() tea.Cmd {
	return textarea.Blink
}

func (m *uiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var (
		taCmd  tea.Cmd
		vpCmd  tea.Cmd
		cmds   []tea.Cmd
		resize bool
	)

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch {
		case msg.Type == tea.KeyCtrlC || msg.Type == tea.KeyEsc:
			return m, tea.Quit
		case msg.Type == tea.KeyCtrlL:
			m.textarea.Reset()

		case msg.Type == tea.KeyCtrlD && !m.submitted: // Ctrl+D to encode
			m.submitted = true
			report, err := m.EncodeReport()
			if err != nil {
				m.err = err
				return m, tea.Quit
			}
			m.viewport.SetContent(report)
			m.textarea.Blur()

		case m.submitted && msg.Type == tea.KeyEnter: // Enter while submitted to edit
			m.submitted = false
			m.textarea.Focus()
		}

	case tea.WindowSizeMsg:
		resize = true
		m.viewport.Width = msg.Width
		m.viewport.Height = msg.Height - 3 // Account for textarea and margins
		m.textarea.SetWidth(msg.Width - 4) // Account for textarea margins
		m.textarea.SetHeight(msg.Height - 8)
	}

	m.textarea, taCmd = m.textarea.Update(msg)
	m.viewport, vpCmd = m.viewport.Update(msg)

	if resize {
		cmds = append(cmds, vpCmd)
	}

	return m, tea.Batch(append(cmds, taCmd)...)
}

// EncodeReport encodes the typed text and formats a summary of the resulting
// latent array.
func (m *uiModel) EncodeReport() (string, error) {
	text := m.textarea.Value()
	latent, err := m.embedder.Embed([]string{text})
	if err != nil {
		return "", err
	}

	config := m.embedder.Encoder.Config()
	numTokens := len(m.embedder.Vocab.EncodeAsIds(text)) + 1 // +1 for "bos"
	var report strings.Builder
	fmt.Fprintf(&report, "Model: %s parameters\n",
		humanize.Comma(int64(m.embedder.Encoder.NumParameters())))
	fmt.Fprintf(&report, "Input: %d tokens -> latent encoding [%d x %d]\n\n",
		numTokens, config.NumLatents, config.LatentDim)

	tensors.ConstFlatData(latent, func(flat []float32) {
		width := config.LatentDim
		shown := config.NumLatents
		if shown > 8 {
			shown = 8
		}
		for latentIdx := 0; latentIdx < shown; latentIdx++ {
			row := flat[latentIdx*width : (latentIdx+1)*width]
			var sumSquares float64
			for _, v := range row {
				sumSquares += float64(v) * float64(v)
			}
			fmt.Fprintf(&report, "latent %3d: |x|=%8.4f  [%s...]\n",
				latentIdx, math.Sqrt(sumSquares), formatValues(row, 4))
		}
		if shown < config.NumLatents {
			fmt.Fprintf(&report, "... and %d more latents\n", config.NumLatents-shown)
		}
	})
	return report.String(), nil
}

func formatValues(values []float32, limit int) string {
	if len(values) < limit {
		limit = len(values)
	}
	parts := make([]string, 0, limit)
	for _, v := range values[:limit] {
		parts = append(parts, fmt.Sprintf("%+.3f", v))
	}
	return strings.Join(parts, ", ")
}

func (m *uiModel) View() string {
	if m.submitted {
		return fmt.Sprintf("\n%s\n\nPress Enter to edit...", m.viewport.View())
	}

	return fmt.Sprintf(
		"\n%s\n\n"+
			"\t• Ctrl+C or ESC to quit;\n"+
			"\t• Ctrl+D to encode;\n"+
			"\t• Ctrl+L to clear the text.\n",
		m.textarea.View(),
	)
}
