package interactive

import (
	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
)

// UI renders a Loop with rivo/tview: a Pages root holding the SelectProblem
// list as the base page, with SelectEdit and Help pushed as centered modal
// pages — the same modal/showModal construction google-oss-rebuild's own
// terminal tooling uses for picking one item from a list over a base view.
type UI struct {
	app   *tview.Application
	pages *tview.Pages
	loop  *Loop
}

// NewUI constructs a UI over loop, wiring the initial SelectProblem page.
func NewUI(loop *Loop) *UI {
	ui := &UI{
		app:   tview.NewApplication(),
		pages: tview.NewPages(),
		loop:  loop,
	}
	ui.renderSelectProblem()
	return ui
}

// Run starts the tview event loop; it returns when the user quits.
func (ui *UI) Run() error {
	ui.app.SetRoot(ui.pages, true)
	return ui.app.Run()
}

func (ui *UI) renderSelectProblem() {
	list := tview.NewList()
	problems := ui.loop.Driver.Problems()
	for i, p := range problems {
		idx := i
		list.AddItem(p.String(), "", 0, func() {
			if err := ui.loop.SelectProblem(idx); err != nil {
				ui.flash(err.Error())
				return
			}
			ui.renderSelectEdit(idx)
		})
	}
	list.AddItem("auto-accept single-edit problems", "apply every problem with exactly one fix", 'a', func() {
		applied, err := ui.loop.AutoAcceptSingleEdits()
		if err != nil {
			ui.flash(err.Error())
			return
		}
		ui.flash(autoAcceptSummary(applied))
		ui.pages.RemovePage("select-problem")
		ui.renderSelectProblem()
	})
	list.SetInputCapture(ui.globalKeys)
	list.SetBorder(true).SetTitle(" problems ")

	ui.pages.RemovePage("select-problem")
	ui.pages.AddPage("select-problem", list, true, true)
}

func (ui *UI) renderSelectEdit(problemIndex int) {
	edits := ui.loop.Driver.EditsFor(problemIndex)
	list := tview.NewList()
	for i, e := range edits {
		idx := i
		list.AddItem(e.Title, e.Help, 0, func() {
			if err := ui.loop.SelectEdit(idx); err != nil {
				ui.flash(err.Error())
				return
			}
			ui.pages.RemovePage("select-edit")
			ui.renderSelectProblem()
		})
	}
	list.SetInputCapture(ui.globalKeys)
	content, opts := modal(list, 4, 10)
	ui.pages.AddPage("select-edit", content, true, true)
	_ = opts
}

func (ui *UI) renderHelp() {
	text := tview.NewTextView().SetText(
		"Enter/Space: select\n" +
			"Esc: back\n" +
			"a: auto-accept single-edit problems\n" +
			"h or ?: this help\n" +
			"q: quit\n",
	)
	text.SetBorder(true).SetTitle(" help ")
	text.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if event.Key() == tcell.KeyEscape {
			ui.loop.Pop()
			ui.pages.RemovePage("help")
			return nil
		}
		return event
	})
	content, _ := modal(text, 6, 12)
	ui.pages.AddPage("help", content, true, true)
}

// globalKeys implements the mode-independent key bindings from spec.md
// §4.6: Esc pops, h/? pushes Help, q requests quit.
func (ui *UI) globalKeys(event *tcell.EventKey) *tcell.EventKey {
	switch {
	case event.Key() == tcell.KeyEscape:
		ui.loop.Pop()
		return nil
	case event.Rune() == 'h' || event.Rune() == '?':
		ui.loop.RequestHelp()
		ui.renderHelp()
		return nil
	case event.Rune() == 'q':
		ui.loop.RequestQuit()
		ui.app.Stop()
		return nil
	}
	return event
}

func (ui *UI) flash(msg string) {
	modalView := tview.NewModal().
		SetText(msg).
		AddButtons([]string{"ok"}).
		SetDoneFunc(func(int, string) {
			ui.pages.RemovePage("flash")
		})
	ui.pages.AddPage("flash", modalView, true, true)
}

func autoAcceptSummary(n int) string {
	if n == 0 {
		return "no single-edit problems to auto-accept"
	}
	if n == 1 {
		return "applied 1 edit"
	}
	return fmtInt(n) + " edits applied"
}

func fmtInt(n int) string {
	// Small, dependency-free int formatter; avoids pulling in strconv just
	// for one call site's worth of plural text.
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

// modal centers p within a Flex box, grounded on tools/ctl/ide/ui.go's modal
// helper: a nested Flex of (spacer, content, spacer) in both dimensions.
// vertMargin and horizMargin are proportional weights of the content
// against spacers of weight 1, not fixed row or column counts.
func modal(p tview.Primitive, vertMargin, horizMargin int) (tview.Primitive, modalOpts) {
	opts := modalOpts{}
	return tview.NewFlex().
		AddItem(nil, 0, 1, false).
		AddItem(tview.NewFlex().SetDirection(tview.FlexRow).
			AddItem(nil, 0, 1, false).
			AddItem(p, 0, vertMargin, true).
			AddItem(nil, 0, 1, false), 0, horizMargin, true).
		AddItem(nil, 0, 1, false), opts
}

type modalOpts struct {
	Height int
	Width  int
	Margin int
}
