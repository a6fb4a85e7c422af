/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package render builds the chat messages and modals shown for runs.
package render

import (
	"fmt"
	"net/url"
	"regexp"

	"github.com/slack-go/slack"

	"github.com/chainguard-dev/agent-bridge/internal/runs"
	"github.com/chainguard-dev/agent-bridge/internal/store"
)

// Interactive element identifiers.
const (
	ActionCancelRun      = "cancel_run"
	ActionRetryRun       = "retry_run"
	ActionViewPR         = "view_pr"
	ActionViewDeployment = "view_deployment"
	ActionOpenCursor     = "open_cursor"
	ActionOpenWeb        = "open_web"

	CallbackConnect  = "connect_modal_submit"
	CallbackSettings = "settings_modal_submit"

	BlockAPIKey    = "cursor_api_key_block"
	ActionAPIKey   = "cursor_api_key_input"
	BlockRepo      = "repo_block"
	ActionRepo     = "repo_input"
	BlockBranch    = "branch_block"
	ActionBranch   = "branch_input"
	BlockModel     = "model_block"
	ActionModel    = "model_input"
	BlockDryRun    = "dryrun_block"
	ActionDryRun   = "dryrun_checkbox"
	OptionDryRun   = "dry_run"
	dryRunOptLabel = "Generate patches without creating PRs"
)

func mrkdwn(text string) *slack.TextBlockObject {
	return slack.NewTextBlockObject(slack.MarkdownType, text, false, false)
}

func plain(text string) *slack.TextBlockObject {
	return slack.NewTextBlockObject(slack.PlainTextType, text, false, false)
}

func section(text string) *slack.SectionBlock {
	return slack.NewSectionBlock(mrkdwn(text), nil, nil)
}

var (
	headingRE = regexp.MustCompile(`(?m)^#{1,3} (.+)$`)
	bulletRE  = regexp.MustCompile(`(?m)^[*-] `)
	boldRE    = regexp.MustCompile(`\*\*(.+?)\*\*`)
	linkRE    = regexp.MustCompile(`\[([^\]]+)\]\((https?://[^)\s]+)\)`)
)

// Mrkdwn converts the subset of Markdown agents write in summaries to
// Slack mrkdwn.
func Mrkdwn(md string) string {
	s := boldRE.ReplaceAllString(md, "*$1*")
	s = headingRE.ReplaceAllString(s, "*$1*")
	s = bulletRE.ReplaceAllString(s, "• ")
	return linkRE.ReplaceAllString(s, "<$2|$1>")
}

// CursorURL deep links into the desktop app.
func CursorURL(agentID string) string {
	return "cursor://open-background-agent?id=" + url.QueryEscape(agentID)
}

// WebURL links to the agent in the browser.
func WebURL(agentID string) string {
	return "https://cursor.com/agents?id=" + url.QueryEscape(agentID)
}

// RunMessageOptions is what RunMessage renders.
type RunMessageOptions struct {
	Run           *runs.Run
	DeploymentURL string
}

// RunMessage renders the thread message tracking a run.
func RunMessage(opts RunMessageOptions) []slack.Block {
	r := opts.Run
	terminal := r.Status.Terminal()

	var blocks []slack.Block
	switch {
	case terminal && r.Summary != "":
		blocks = append(blocks, section(Mrkdwn(r.Summary)))
	case !terminal:
		blocks = append(blocks, section("Launched an agent. I'll notify here when it's finished."))
	case r.Error != "":
		blocks = append(blocks, section("*Error:* "+r.Error))
	}

	branch := r.TargetBranch
	if branch == "" {
		branch = r.Branch
	}
	blocks = append(blocks, section(fmt.Sprintf("*Repository:* `%s`\n*Branch:* `%s`", r.Repo, branch)))

	var buttons []slack.BlockElement
	link := func(actionID, text, u string) *slack.ButtonBlockElement {
		b := slack.NewButtonBlockElement(actionID, "", plain(text))
		b.URL = u
		return b
	}
	if r.PRURL != "" {
		buttons = append(buttons, link(ActionViewPR, "View PR", r.PRURL).WithStyle(slack.StylePrimary))
	}
	if opts.DeploymentURL != "" {
		buttons = append(buttons, link(ActionViewDeployment, "View Deployment", opts.DeploymentURL))
	}
	if r.AgentID != "" {
		buttons = append(buttons,
			link(ActionOpenCursor, "Open in Cursor", CursorURL(r.AgentID)),
			link(ActionOpenWeb, "Open in Web", WebURL(r.AgentID)))
	}
	switch {
	case !terminal:
		buttons = append(buttons, slack.NewButtonBlockElement(ActionCancelRun, r.ID, plain("Cancel")).WithStyle(slack.StyleDanger))
	case r.Status == runs.StatusFailed || r.Status == runs.StatusCancelled:
		buttons = append(buttons, slack.NewButtonBlockElement(ActionRetryRun, r.ID, plain("Retry")))
	}
	if len(buttons) > 0 {
		blocks = append(blocks, slack.NewActionBlock("run_actions", buttons...))
	}
	return blocks
}

// FallbackText is the notification text shown where blocks are not.
func FallbackText(r *runs.Run) string {
	if !r.Status.Terminal() {
		return "Running: " + r.Prompt
	}
	return fmt.Sprintf("%s: %s", r.Status, r.Prompt)
}

var statusEmoji = map[runs.Status]string{
	runs.StatusCreating:  "🔄",
	runs.StatusRunning:   "🏃",
	runs.StatusCompleted: "✅",
	runs.StatusFailed:    "❌",
	runs.StatusCancelled: "🚫",
}

// RecentRunLimit is how many runs StatusBlocks lists.
const RecentRunLimit = 5

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

// StatusBlocks renders the channel status shown by the status command.
func StatusBlocks(cfg *store.ChannelConfig, recent []*runs.Run, hasAPIKey bool) []slack.Block {
	var blocks []slack.Block
	if hasAPIKey {
		blocks = append(blocks, section("✅ *Cursor API Key:* Connected"))
	} else {
		blocks = append(blocks, section("❌ *Cursor API Key:* Not configured. Run `/computer connect`"))
	}
	blocks = append(blocks, slack.NewDividerBlock())

	if cfg != nil {
		model := cfg.Model
		if model == "" {
			model = "auto"
		}
		dryRun := "No"
		if cfg.DryRunDefault {
			dryRun = "Yes"
		}
		blocks = append(blocks, section(fmt.Sprintf("*Repository:* `%s`\n*Branch:* `%s`\n*Model:* `%s`\n*Dry Run:* %s",
			cfg.Repo, cfg.DefaultBranch, model, dryRun)))
	} else {
		blocks = append(blocks, section("⚠️ *This channel is not configured.* Run `/computer settings` to bind it to a repo."))
	}

	if len(recent) == 0 {
		return blocks
	}
	blocks = append(blocks, slack.NewDividerBlock(), section("*Recent Runs:*"))
	for i, r := range recent {
		if i == RecentRunLimit {
			break
		}
		emoji, ok := statusEmoji[r.Status]
		if !ok {
			emoji = "❓"
		}
		pr := ""
		if r.PRURL != "" {
			pr = fmt.Sprintf(" (<%s|PR>)", r.PRURL)
		}
		blocks = append(blocks, slack.NewContextBlock("",
			mrkdwn(fmt.Sprintf("%s %s%s - %s", emoji, truncate(r.Prompt, 50), pr, r.CreatedAt.Format("Jan 2, 2006")))))
	}
	return blocks
}

// ConnectModal asks for the workspace's agent API key.
func ConnectModal(hasAPIKey bool) slack.ModalViewRequest {
	intro := "Enter your Cursor API key to enable the bot in this workspace."
	if hasAPIKey {
		intro = "✅ Your workspace already has a Cursor API key configured. Enter a new key below to replace it."
	}

	input := slack.NewInputBlock(BlockAPIKey, plain("Cursor API Key"),
		plain("Get your API key from cursor.com/dashboard?tab=background-agents"),
		slack.NewPlainTextInputBlockElement(plain("Enter your Cursor API key"), ActionAPIKey))

	return slack.ModalViewRequest{
		Type:       slack.VTModal,
		CallbackID: CallbackConnect,
		Title:      plain("Connect Cursor"),
		Submit:     plain("Save"),
		Close:      plain("Cancel"),
		Blocks:     slack.Blocks{BlockSet: []slack.Block{section(intro), input}},
	}
}

// SettingsModal binds channelID to a repository. cfg may be nil.
func SettingsModal(channelID string, cfg *store.ChannelConfig) slack.ModalViewRequest {
	repo := slack.NewPlainTextInputBlockElement(plain("org/repo"), ActionRepo)
	branch := slack.NewPlainTextInputBlockElement(plain(store.DefaultBranch), ActionBranch)
	branch.InitialValue = store.DefaultBranch
	model := slack.NewPlainTextInputBlockElement(plain("auto"), ActionModel)

	dryRunOpt := slack.NewOptionBlockObject(OptionDryRun, plain(dryRunOptLabel), nil)
	dryRun := slack.NewCheckboxGroupsBlockElement(ActionDryRun, dryRunOpt)

	if cfg != nil {
		repo.InitialValue = cfg.Repo
		branch.InitialValue = cfg.DefaultBranch
		model.InitialValue = cfg.Model
		if cfg.DryRunDefault {
			dryRun.InitialOptions = []*slack.OptionBlockObject{dryRunOpt}
		}
	}

	branchInput := slack.NewInputBlock(BlockBranch, plain("Default Branch"), nil, branch)
	branchInput.Optional = true
	modelInput := slack.NewInputBlock(BlockModel, plain("Model"), plain("Leave empty or \"auto\" to let Cursor choose"), model)
	modelInput.Optional = true
	dryRunInput := slack.NewInputBlock(BlockDryRun, plain("Dry Run by Default"), nil, dryRun)
	dryRunInput.Optional = true

	return slack.ModalViewRequest{
		Type:            slack.VTModal,
		CallbackID:      CallbackSettings,
		PrivateMetadata: channelID,
		Title:           plain("Channel Settings"),
		Submit:          plain("Save"),
		Close:           plain("Cancel"),
		Blocks: slack.Blocks{BlockSet: []slack.Block{
			section(fmt.Sprintf("Configure the bot for <#%s>", channelID)),
			slack.NewDividerBlock(),
			slack.NewInputBlock(BlockRepo, plain("Repository"), plain("GitHub repository in format: owner/repo"), repo),
			branchInput,
			modelInput,
			dryRunInput,
		}},
	}
}
