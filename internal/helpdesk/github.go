// Package helpdesk mirrors created tickets into an external tracker so
// the support team can triage them where they already work. GitHub
// issues are the supported tracker.
package helpdesk

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"unicode/utf8"

	gogithub "github.com/google/go-github/v69/github"

	"github.com/nugget/supporthub/internal/config"
	"github.com/nugget/supporthub/internal/ticket"
)

// maxTitleLen bounds the user message excerpt in issue titles.
const maxTitleLen = 72

// GitHubSink opens one issue per ticket. It satisfies ticket.Notifier.
type GitHubSink struct {
	client *gogithub.Client
	owner  string
	repo   string
	labels []string
	logger *slog.Logger
}

// NewGitHubSink creates a sink for cfg.Repo. A non-empty cfg.BaseURL
// selects a GitHub Enterprise server.
func NewGitHubSink(httpClient *http.Client, cfg config.GitHubConfig, logger *slog.Logger) (*GitHubSink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	owner, repo, err := splitRepo(cfg.Repo)
	if err != nil {
		return nil, err
	}

	client := gogithub.NewClient(httpClient).WithAuthToken(cfg.Token)
	if cfg.BaseURL != "" {
		client, err = client.WithEnterpriseURLs(cfg.BaseURL, cfg.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("github base url %q: %w", cfg.BaseURL, err)
		}
	}

	return &GitHubSink{
		client: client,
		owner:  owner,
		repo:   repo,
		labels: cfg.Labels,
		logger: logger.With("component", "helpdesk", "repo", cfg.Repo),
	}, nil
}

// splitRepo splits an "owner/repo" string into its two parts.
func splitRepo(repo string) (string, string, error) {
	parts := strings.SplitN(repo, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid repo %q: expected owner/repo", repo)
	}
	return parts[0], parts[1], nil
}

// TicketCreated opens an issue for t.
func (g *GitHubSink) TicketCreated(ctx context.Context, t ticket.Ticket) error {
	title := IssueTitle(t)
	body := IssueBody(t)
	labels := IssueLabels(g.labels, t.Priority)

	issue, resp, err := g.client.Issues.Create(ctx, g.owner, g.repo, &gogithub.IssueRequest{
		Title:  &title,
		Body:   &body,
		Labels: &labels,
	})
	if err != nil {
		return fmt.Errorf("create issue for %s: %w", t.ID, err)
	}
	checkRateLimit(g.logger, resp)

	g.logger.Info("ticket mirrored to github",
		"ticket_id", t.ID,
		"issue", issue.GetNumber(),
		"url", issue.GetHTMLURL(),
	)
	return nil
}

// checkRateLimit logs a warning when remaining API calls drop below threshold.
func checkRateLimit(logger *slog.Logger, resp *gogithub.Response) {
	if resp == nil {
		return
	}
	if resp.Rate.Remaining > 0 && resp.Rate.Remaining < 100 {
		logger.Warn("github rate limit low",
			"remaining", resp.Rate.Remaining,
			"reset", resp.Rate.Reset.Time,
		)
	}
}

// IssueTitle is the ticket id followed by the first line of the user's
// message, shortened to fit.
func IssueTitle(t ticket.Ticket) string {
	first, _, _ := strings.Cut(strings.TrimSpace(t.UserMessage), "\n")
	first = strings.TrimSpace(first)
	if utf8.RuneCountInString(first) > maxTitleLen {
		r := []rune(first)
		first = strings.TrimSpace(string(r[:maxTitleLen])) + "…"
	}
	if first == "" {
		return "[" + t.ID + "]"
	}
	return fmt.Sprintf("[%s] %s", t.ID, first)
}

// IssueBody renders the ticket as markdown. The customer's address is
// never copied into the tracker.
func IssueBody(t ticket.Ticket) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "**Ticket:** `%s`\n", t.ID)
	fmt.Fprintf(&sb, "**Priority:** %s\n", t.Priority)
	fmt.Fprintf(&sb, "**Created:** %s\n", t.CreatedAt.UTC().Format("2006-01-02 15:04:05 MST"))
	if t.SessionID != "" {
		fmt.Fprintf(&sb, "**Session:** `%s`\n", t.SessionID)
	}
	if t.UserEmail != "" {
		sb.WriteString("**Contact:** email on file\n")
	}
	sb.WriteString("\n### Customer message\n\n")
	sb.WriteString(quote(t.UserMessage))
	sb.WriteString("\n\n### Assistant reply\n\n")
	sb.WriteString(quote(t.AIResponse))
	sb.WriteString("\n")
	return sb.String()
}

// IssueLabels returns the configured labels plus priority:<p>.
func IssueLabels(base []string, priority string) []string {
	out := make([]string, 0, len(base)+1)
	out = append(out, base...)
	if priority != "" {
		out = append(out, "priority:"+priority)
	}
	return out
}

func quote(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "> _(empty)_"
	}
	return "> " + strings.ReplaceAll(s, "\n", "\n> ")
}
