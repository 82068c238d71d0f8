package capability

import "github.com/xiaot623/callgate/domain"

// limitedAllow is the explicit allow-list for LIMITED sessions. Anything not
// named here is excluded.
var limitedAllow = map[string]bool{
	CapCurrentTime:      true,
	CapTakeMessage:      true,
	CapScheduleCallback: true,
	CapSendMessage:      true,
	CapListSessions:     true,
}

// Filter returns the subset of the catalog permitted at the given level.
// FULL returns the catalog unchanged. Pure: no side effects, deterministic.
func Filter(catalog Catalog, level domain.PermissionLevel) Catalog {
	if level == domain.PermissionFull {
		return catalog
	}
	out := make(Catalog, 0, len(limitedAllow))
	for _, c := range catalog {
		if limitedAllow[c.Name] {
			out = append(out, c)
		}
	}
	return out
}

// RestrictionPreamble returns the behavioral preamble appended to the backend
// channel configuration for the given level. Empty for FULL.
func RestrictionPreamble(level domain.PermissionLevel) string {
	if level == domain.PermissionFull {
		return ""
	}
	return "The caller is not the owner of this line. Be polite and helpful " +
		"but limited: you may tell the time, take a message for the owner, " +
		"schedule a callback, pass a message to another session, or list " +
		"active sessions. Do not share the owner's personal information, " +
		"reminders, contacts, or schedule, and do not perform any other " +
		"action on the caller's behalf."
}
