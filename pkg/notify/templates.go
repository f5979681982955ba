package notify

import (
	"sort"
	"strings"
)

// Template standardizes the wording of a notification kind. Title, Message
// and ActionURL may reference variables as {name}.
type Template struct {
	Type      Type
	Priority  Priority
	Title     string
	Message   string
	ActionURL string
}

// Template names of the default registry.
const (
	TemplateSystemUpdate      = "system_update"
	TemplateWelcome           = "welcome"
	TemplateImportComplete    = "import_complete"
	TemplateImportFailed      = "import_failed"
	TemplateEntityCreated     = "entity_created"
	TemplateRateLimitExceeded = "rate_limit_exceeded"
	TemplateSystemError       = "system_error"
	TemplateBackupReminder    = "backup_reminder"
	TemplateReportReady       = "report_ready"
)

func defaultTemplates() map[string]Template {
	return map[string]Template{
		TemplateSystemUpdate: {
			Type: TypeSystem, Priority: PriorityHigh,
			Title:   "System update",
			Message: "{message}",
		},
		TemplateWelcome: {
			Type: TypeSuccess, Priority: PriorityNormal,
			Title:   "Welcome, {name}",
			Message: "Your account is ready to use.",
		},
		TemplateImportComplete: {
			Type: TypeSuccess, Priority: PriorityNormal,
			Title:     "Import complete",
			Message:   "Imported {count} records from {file}.",
			ActionURL: "/imports/{importId}",
		},
		TemplateImportFailed: {
			Type: TypeError, Priority: PriorityHigh,
			Title:     "Import failed",
			Message:   "Import of {file} failed: {error}",
			ActionURL: "/imports/{importId}",
		},
		TemplateEntityCreated: {
			Type: TypeInfo, Priority: PriorityLow,
			Title:     "New {entity}",
			Message:   "{actor} created {entity} {name}.",
			ActionURL: "/{entity}/{id}",
		},
		TemplateRateLimitExceeded: {
			Type: TypeWarning, Priority: PriorityNormal,
			Title:   "Too many requests",
			Message: "You reached the request limit. Try again in {retryAfter}.",
		},
		TemplateSystemError: {
			Type: TypeError, Priority: PriorityUrgent,
			Title:   "System error",
			Message: "{message}",
		},
		TemplateBackupReminder: {
			Type: TypeInfo, Priority: PriorityNormal,
			Title:   "Backup reminder",
			Message: "The last backup ran {lastBackup}. Schedule a new one.",
		},
		TemplateReportReady: {
			Type: TypeSuccess, Priority: PriorityNormal,
			Title:     "Report ready",
			Message:   "Your report {report} is ready to download.",
			ActionURL: "/reports/{reportId}",
		},
	}
}

// render substitutes {name} references. Unknown references are left as is.
func (t Template) render(vars map[string]string) Template {
	if len(vars) == 0 {
		return t
	}

	names := make([]string, 0, len(vars))
	for name := range vars {
		names = append(names, name)
	}
	sort.Strings(names)

	pairs := make([]string, 0, 2*len(vars))
	for _, name := range names {
		pairs = append(pairs, "{"+name+"}", vars[name])
	}
	r := strings.NewReplacer(pairs...)

	t.Title = r.Replace(t.Title)
	t.Message = r.Replace(t.Message)
	t.ActionURL = r.Replace(t.ActionURL)
	return t
}
