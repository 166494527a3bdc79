package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	cliconfig "github.com/antonkrylov/podchat/internal/cli/config"
	"github.com/antonkrylov/podchat/internal/cloud"
	"github.com/antonkrylov/podchat/internal/cloud/runpod"
)

func newGpusCmd(_ *rootOptions) *cobra.Command {
	var pick bool
	cmd := &cobra.Command{
		Use:   "gpus",
		Short: "List GPU types the provider can rent right now",
		RunE: func(cmd *cobra.Command, _ []string) error {
			env := cliconfig.FromEnv()
			apiKey, err := ensureAPIKey(env.APIKey)
			if err != nil {
				return err
			}
			provider := runpod.New(apiKey, runpod.Options{Endpoint: env.APIEndpoint})
			offers, err := provider.Offers(cmd.Context())
			if err != nil {
				return err
			}
			if pick {
				chosen, err := pickOfferInteractive(offers)
				if err != nil {
					return err
				}
				fmt.Println(chosen)
				return nil
			}
			printOffers(os.Stdout, offers)
			return nil
		},
	}
	cmd.SilenceUsage = true
	cmd.Flags().BoolVar(&pick, "pick", false, "choose interactively and print the chosen GPU type")
	return cmd
}

func printOffers(w io.Writer, offers []cloud.Offer) {
	sorted := sortOffers(offers)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "GPU\tVRAM\t$/HR\tAVAILABLE")
	for _, o := range sorted {
		avail := "yes"
		if !o.Available {
			avail = "no"
		}
		fmt.Fprintf(tw, "%s\t%dGB\t%.2f\t%s\n", o.GPUType, o.VRAMGb, o.HourlyUSD, avail)
	}
	_ = tw.Flush()
}

func sortOffers(offers []cloud.Offer) []cloud.Offer {
	sorted := append([]cloud.Offer(nil), offers...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].VRAMGb != sorted[j].VRAMGb {
			return sorted[i].VRAMGb < sorted[j].VRAMGb
		}
		return sorted[i].HourlyUSD < sorted[j].HourlyUSD
	})
	return sorted
}

type offerItem struct {
	offer cloud.Offer
}

func (i offerItem) Title() string { return i.offer.GPUType }
func (i offerItem) Description() string {
	return fmt.Sprintf("%dGB VRAM, $%.2f/hr", i.offer.VRAMGb, i.offer.HourlyUSD)
}
func (i offerItem) FilterValue() string { return i.offer.GPUType }

type offerPicker struct {
	list   list.Model
	chosen string
}

func (m offerPicker) Init() tea.Cmd { return nil }

func (m offerPicker) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.list.SetSize(msg.Width, msg.Height)
		return m, nil
	case tea.KeyMsg:
		switch msg.String() {
		case "enter":
			if it, ok := m.list.SelectedItem().(offerItem); ok {
				m.chosen = it.offer.GPUType
			}
			return m, tea.Quit
		case "q", "esc", "ctrl+c":
			return m, tea.Quit
		}
	}
	var cmd tea.Cmd
	m.list, cmd = m.list.Update(msg)
	return m, cmd
}

func (m offerPicker) View() string { return m.list.View() }

// pickOfferInteractive runs the list picker over the available offers and
// returns the chosen GPU type.
func pickOfferInteractive(offers []cloud.Offer) (string, error) {
	items := make([]list.Item, 0, len(offers))
	for _, o := range sortOffers(offers) {
		if o.Available {
			items = append(items, offerItem{offer: o})
		}
	}
	if len(items) == 0 {
		return "", fmt.Errorf("no gpu offers available")
	}
	l := list.New(items, list.NewDefaultDelegate(), 0, 0)
	l.Title = "Pick a GPU"
	l.SetShowHelp(false)
	final, err := tea.NewProgram(offerPicker{list: l}, tea.WithAltScreen()).Run()
	if err != nil {
		return "", err
	}
	picker, ok := final.(offerPicker)
	if !ok || picker.chosen == "" {
		return "", fmt.Errorf("no gpu chosen")
	}
	return picker.chosen, nil
}
