// Copyright (C) 2025, NaatiPrep Pty Ltd. All rights reserved.
// See the file LICENSE for licensing terms.

package compliance

// Applicability reports which privacy regulations apply to the current
// subject. Computed once at construction and immutable afterwards; a subject
// changing timezone mid-session is not re-evaluated.
type Applicability struct {
	GDPRApplies  bool   `json:"gdprApplies"`
	CCPAApplies  bool   `json:"ccpaApplies"`
	COPPAApplies bool   `json:"coppaApplies"` // always false, no age gating
	Region       string `json:"detectedRegion"`
}

// gdprTimezones is the allow-list of IANA timezone identifiers that imply
// GDPR applicability. Deliberately small: a best-effort heuristic, not a
// legal determination. Many EU zones are not covered.
var gdprTimezones = map[string]bool{
	"Europe/Amsterdam": true,
	"Europe/Berlin":    true,
	"Europe/Dublin":    true,
	"Europe/Madrid":    true,
	"Europe/Paris":     true,
	"Europe/Rome":      true,
	"Europe/Vienna":    true,
	"Europe/Warsaw":    true,
}

// ccpaTimezones is the allow-list implying CCPA applicability.
var ccpaTimezones = map[string]bool{
	"America/Los_Angeles": true,
	"US/Pacific":          true,
}

// DetectApplicability maps a resolved IANA timezone string to the set of
// applicable regulations. An empty timezone yields region "unknown" with no
// regulation applied.
func DetectApplicability(timezone string) Applicability {
	region := timezone
	if region == "" {
		region = "unknown"
	}

	return Applicability{
		GDPRApplies:  gdprTimezones[timezone],
		CCPAApplies:  ccpaTimezones[timezone],
		COPPAApplies: false,
		Region:       region,
	}
}
