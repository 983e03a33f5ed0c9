package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"karen/internal/models"
	"karen/pkg/auth"
)

// PrivacyService answers data-subject requests: what is stored, a full
// export of it, and account deletion with a cascade over every store.
type PrivacyService struct {
	users         *UserService
	sessions      *SessionService
	conversations *ConversationService
	memory        *MemoryService
	training      *TrainingService
	analytics     *AnalyticsService
	export        *ExportService
}

// NewPrivacyService creates a new privacy service
func NewPrivacyService(
	users *UserService,
	sessions *SessionService,
	conversations *ConversationService,
	memory *MemoryService,
	training *TrainingService,
	analytics *AnalyticsService,
	export *ExportService,
) *PrivacyService {
	return &PrivacyService{
		users:         users,
		sessions:      sessions,
		conversations: conversations,
		memory:        memory,
		training:      training,
		analytics:     analytics,
		export:        export,
	}
}

// Summary returns per-category record counts for the user. Offline stores
// report zero rather than failing the whole summary.
func (s *PrivacyService) Summary(ctx context.Context, userID string) (*models.PrivacySummary, error) {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	summary := &models.PrivacySummary{
		UserID:       user.ID,
		Email:        user.Email,
		AccountSince: user.CreatedAt,
	}

	if n, err := s.conversations.CountForUser(ctx, userID); err == nil {
		summary.Conversations = n
	} else {
		log.Printf("⚠️ [PRIVACY] Conversation count unavailable for %s: %v", userID, err)
	}
	if n, err := s.memory.CountForUser(ctx, userID); err == nil {
		summary.MemoryFacts = n
	} else {
		log.Printf("⚠️ [PRIVACY] Memory count unavailable for %s: %v", userID, err)
	}

	datasets, jobs, schedules, err := s.training.CountsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	summary.Datasets = datasets
	summary.TrainingJobs = jobs
	summary.Schedules = schedules

	active, err := s.sessions.ListForUser(ctx, userID)
	if err == nil {
		summary.Sessions = int64(len(active))
	}

	if n, err := s.analytics.CountForUser(ctx, userID); err == nil {
		summary.UsageEvents = n
	}

	return summary, nil
}

// Export renders everything stored about the user in the requested format.
// JSON is the canonical machine-readable bundle; html and pdf render a
// human-readable report from its markdown form.
func (s *PrivacyService) Export(ctx context.Context, userID, format string) (*ExportArtifact, error) {
	bundle, err := s.collect(ctx, userID)
	if err != nil {
		return nil, err
	}

	base := fmt.Sprintf("karen-data-export-%s", time.Now().UTC().Format("2006-01-02"))

	switch format {
	case models.ExportFormatJSON, "":
		data, err := json.MarshalIndent(bundle, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("failed to serialize export: %w", err)
		}
		return &ExportArtifact{Data: data, ContentType: "application/json", Filename: base + ".json"}, nil

	case models.ExportFormatHTML:
		doc, err := s.export.RenderHTML("Your Data Export", s.bundleMarkdown(bundle))
		if err != nil {
			return nil, err
		}
		return &ExportArtifact{Data: doc, ContentType: "text/html; charset=utf-8", Filename: base + ".html"}, nil

	case models.ExportFormatPDF:
		doc, err := s.export.RenderPDF(ctx, "Your Data Export", s.bundleMarkdown(bundle))
		if err != nil {
			return nil, err
		}
		return &ExportArtifact{Data: doc, ContentType: "application/pdf", Filename: base + ".pdf"}, nil

	default:
		return nil, fmt.Errorf("unknown export format %q", format)
	}
}

// collect gathers the user's data from every store. Stores that are
// offline contribute empty sections instead of failing the export.
func (s *PrivacyService) collect(ctx context.Context, userID string) (*models.PrivacyExport, error) {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	bundle := &models.PrivacyExport{
		GeneratedAt: time.Now().UTC(),
		User:        user.ToResponse(),
	}

	if convs, err := s.conversations.AllForUser(ctx, userID); err == nil {
		bundle.Conversations = convs
	} else {
		log.Printf("⚠️ [PRIVACY] Conversations unavailable for export of %s: %v", userID, err)
	}
	if facts, err := s.memory.List(ctx, userID, "", 200); err == nil {
		bundle.MemoryFacts = facts
	} else {
		log.Printf("⚠️ [PRIVACY] Memory facts unavailable for export of %s: %v", userID, err)
	}
	if datasets, err := s.training.ListDatasets(ctx, userID); err == nil {
		bundle.Datasets = datasets
	}
	if jobs, err := s.training.ListJobs(ctx, userID, 100); err == nil {
		bundle.TrainingJobs = jobs
	}
	if active, err := s.sessions.ListForUser(ctx, userID); err == nil {
		bundle.Sessions = active
	}

	return bundle, nil
}

// bundleMarkdown renders the export as a markdown report
func (s *PrivacyService) bundleMarkdown(bundle *models.PrivacyExport) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Your Data Export\n\n")
	fmt.Fprintf(&b, "- Generated: %s\n", bundle.GeneratedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "- Account: %s\n", bundle.User.Email)
	fmt.Fprintf(&b, "- Member since: %s\n\n", bundle.User.CreatedAt.Format("2006-01-02"))

	fmt.Fprintf(&b, "## Conversations (%d)\n\n", len(bundle.Conversations))
	for i := range bundle.Conversations {
		conv := &bundle.Conversations[i]
		fmt.Fprintf(&b, "### %s\n\n", conv.Title)
		fmt.Fprintf(&b, "_%d messages, last updated %s_\n\n", len(conv.Messages), conv.UpdatedAt.Format("2006-01-02"))
		for j := range conv.Messages {
			msg := &conv.Messages[j]
			fmt.Fprintf(&b, "**%s:**\n\n%s\n\n", titleRole(msg.Role), msg.Content)
		}
	}

	fmt.Fprintf(&b, "## Memory Facts (%d)\n\n", len(bundle.MemoryFacts))
	for i := range bundle.MemoryFacts {
		fact := &bundle.MemoryFacts[i]
		fmt.Fprintf(&b, "- **%s**: %s\n", fact.Category, fact.Content)
	}
	b.WriteString("\n")

	fmt.Fprintf(&b, "## Training Data\n\n")
	fmt.Fprintf(&b, "%d datasets, %d fine-tuning jobs\n\n", len(bundle.Datasets), len(bundle.TrainingJobs))
	for i := range bundle.Datasets {
		d := &bundle.Datasets[i]
		fmt.Fprintf(&b, "- %s (%s, %d examples)\n", d.Name, d.Format, d.ExampleCount)
	}
	b.WriteString("\n")

	fmt.Fprintf(&b, "## Active Sessions (%d)\n\n", len(bundle.Sessions))
	for i := range bundle.Sessions {
		sess := &bundle.Sessions[i]
		fmt.Fprintf(&b, "- %s from %s, last seen %s\n", sess.UserAgent, sess.IPAddress, sess.LastSeenAt.Format(time.RFC3339))
	}

	return b.String()
}

func titleRole(role string) string {
	if role == "" {
		return role
	}
	return strings.ToUpper(role[:1]) + role[1:]
}

// DeleteAccount verifies the password and removes the account and every
// record tied to it. The cascade keeps going past per-store failures so a
// flaky store cannot leave the account itself behind.
func (s *PrivacyService) DeleteAccount(ctx context.Context, userID, password string) (*models.DeleteAccountResponse, error) {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	ok, err := auth.VerifyPassword(user.PasswordHash, password)
	if err != nil {
		return nil, fmt.Errorf("failed to verify password: %w", err)
	}
	if !ok {
		return nil, ErrInvalidCredentials
	}

	result := &models.DeleteAccountResponse{}

	if n, err := s.conversations.DeleteAllForUser(ctx, userID); err == nil {
		result.Conversations = n
	} else {
		log.Printf("⚠️ [PRIVACY] Conversation cascade failed for %s: %v", userID, err)
	}
	if n, err := s.memory.DeleteAllForUser(ctx, userID); err == nil {
		result.MemoryFacts = n
	} else {
		log.Printf("⚠️ [PRIVACY] Memory cascade failed for %s: %v", userID, err)
	}
	if err := s.training.PurgeUser(ctx, userID); err != nil {
		log.Printf("⚠️ [PRIVACY] Training cascade failed for %s: %v", userID, err)
	}
	if n, err := s.analytics.PurgeUser(ctx, userID); err == nil {
		result.UsageEvents = n
	} else {
		log.Printf("⚠️ [PRIVACY] Analytics cascade failed for %s: %v", userID, err)
	}
	if n, err := s.sessions.RevokeAllForUser(ctx, userID); err == nil {
		result.Sessions = n
	} else {
		log.Printf("⚠️ [PRIVACY] Session cascade failed for %s: %v", userID, err)
	}

	if err := s.users.DeleteUser(ctx, userID); err != nil {
		return nil, err
	}
	result.Deleted = true

	log.Printf("🗑️ [PRIVACY] Account %s deleted (%d conversations, %d memory facts, %d usage events)",
		userID, result.Conversations, result.MemoryFacts, result.UsageEvents)
	return result, nil
}
