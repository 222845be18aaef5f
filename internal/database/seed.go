package database

import (
	"context"
	"fmt"
	"log/slog"
)

// DefaultAlertTypes is the static violation catalog installed at
// bootstrap. Seeding is idempotent; codes already present are left
// untouched so operator edits survive restarts.
var DefaultAlertTypes = []AlertType{
	{Code: "GDPR_DATA_BREACH", Name: "Personal data breach", Description: "Confidentiality or integrity of personal health data compromised", Regime: RegimeDataProtection, DefaultSeverity: 5, DeadlineHours: 72},
	{Code: "GDPR_CONSENT_EXPIRED", Name: "Consent expired", Description: "Processing continues past the consent validity period", Regime: RegimeDataProtection, DefaultSeverity: 3, DeadlineHours: 168},
	{Code: "GDPR_RETENTION_EXCEEDED", Name: "Retention period exceeded", Description: "Records kept beyond the declared retention period", Regime: RegimeDataProtection, DefaultSeverity: 3, DeadlineHours: 336},
	{Code: "GDPR_EXPORT_UNAUTHORIZED", Name: "Unauthorized data export", Description: "Personal data exported without a documented legal basis", Regime: RegimeDataProtection, DefaultSeverity: 4, DeadlineHours: 72},
	{Code: "GDPR_RIGHT_OF_ACCESS_OVERDUE", Name: "Subject access request overdue", Description: "Right-of-access request not answered within the statutory delay", Regime: RegimeDataProtection, DefaultSeverity: 2, DeadlineHours: 168},
	{Code: "HIPAA_UNAUTHORIZED_PHI_ACCESS", Name: "Unauthorized PHI access", Description: "Protected health information accessed without authorization", Regime: RegimeHealthPrivacy, DefaultSeverity: 5, DeadlineHours: 24},
	{Code: "HIPAA_MISSING_ACCESS_LOG", Name: "Access log gap", Description: "PHI access without a corresponding audit trail entry", Regime: RegimeHealthPrivacy, DefaultSeverity: 2, DeadlineHours: 336},
	{Code: "HIPAA_DISCLOSURE_WITHOUT_CONSENT", Name: "Disclosure without consent", Description: "PHI disclosed to a third party without patient consent", Regime: RegimeHealthPrivacy, DefaultSeverity: 4, DeadlineHours: 72},
	{Code: "CDP_MEDICAL_SECRECY_BREACH", Name: "Medical secrecy breach", Description: "Medical secrecy obligation violated", Regime: RegimeLocalRegulator, DefaultSeverity: 5, DeadlineHours: 24},
	{Code: "CDP_DECLARATION_MISSING", Name: "Processing declaration missing", Description: "Health data processing not declared to the regulator", Regime: RegimeLocalRegulator, DefaultSeverity: 3, DeadlineHours: 336},
	{Code: "CDP_CROSS_BORDER_TRANSFER", Name: "Undeclared cross-border transfer", Description: "Health data transferred abroad without regulator approval", Regime: RegimeLocalRegulator, DefaultSeverity: 4, DeadlineHours: 72},
	{Code: "EXCESSIVE_RECORD_ACCESS", Name: "Excessive record consultation", Description: "Abnormal volume of record consultations by one account", Regime: RegimeGeneral, DefaultSeverity: 3, DeadlineHours: 48},
	{Code: "UNAUTHORIZED_ACCESS", Name: "Unauthorized access", Description: "Access attempt rejected by the permission layer", Regime: RegimeGeneral, DefaultSeverity: 4, DeadlineHours: 24},
	{Code: "MEDICAL_THRESHOLD_EXCEEDED", Name: "Medical threshold exceeded", Description: "Recorded measurement outside the clinically acceptable range", Regime: RegimeGeneral, DefaultSeverity: 4, DeadlineHours: 24},
	{Code: "BULK_EXPORT_SUSPICIOUS", Name: "Suspicious bulk export", Description: "Export request covering an unusually large subject population", Regime: RegimeGeneral, DefaultSeverity: 4, DeadlineHours: 48},
}

// DefaultRules returns the initial detection rule set. Installed only
// when the rule table is empty so operator-managed rules are never
// clobbered.
func DefaultRules() []*ComplianceRule {
	return []*ComplianceRule{
		{
			Name:            "Unauthorized record access",
			Description:     "Any access rejected by the permission layer",
			EventKey:        "access.unauthorized",
			Regime:          RegimeHealthPrivacy,
			Severity:        5,
			MinCount:        intp(1),
			WindowMinutes:   intp(60),
			Action:          ActionBlockAccess,
			NotifyOperator:  true,
			NotifyDPO:       true,
			NotifyRegulator: true,
			AlertTypeCode:   "HIPAA_UNAUTHORIZED_PHI_ACCESS",
			Active:          true,
			CreatedBy:       "system",
		},
		{
			Name:           "Excessive record consultation",
			Description:    "One account consulting an abnormal number of records",
			EventKey:       "record.accessed",
			Regime:         RegimeGeneral,
			Severity:       3,
			MinCount:       intp(50),
			WindowMinutes:  intp(60),
			Action:         ActionNotify,
			NotifyOperator: true,
			AlertTypeCode:  "EXCESSIVE_RECORD_ACCESS",
			Active:         true,
			CreatedBy:      "system",
		},
		{
			Name:           "Glycemia out of range",
			Description:    "Recorded glycemia outside the acceptable range",
			EventKey:       "measurement.recorded.glycemia",
			Regime:         RegimeGeneral,
			Severity:       3,
			ParameterName:  strp("glycemia"),
			ThresholdMin:   f64p(70),
			ThresholdMax:   f64p(110),
			Unit:           strp("mg/dL"),
			Action:         ActionNotify,
			NotifyOperator: true,
			AlertTypeCode:  "MEDICAL_THRESHOLD_EXCEEDED",
			Active:         true,
			CreatedBy:      "system",
		},
		{
			Name:           "Systolic blood pressure out of range",
			Description:    "Recorded systolic pressure outside the acceptable range",
			EventKey:       "measurement.recorded.blood_pressure_systolic",
			Regime:         RegimeGeneral,
			Severity:       3,
			ParameterName:  strp("blood_pressure_systolic"),
			ThresholdMin:   f64p(90),
			ThresholdMax:   f64p(140),
			Unit:           strp("mmHg"),
			Action:         ActionNotify,
			NotifyOperator: true,
			AlertTypeCode:  "MEDICAL_THRESHOLD_EXCEEDED",
			Active:         true,
			CreatedBy:      "system",
		},
		{
			Name:           "Heart rate out of range",
			Description:    "Recorded heart rate outside the acceptable range",
			EventKey:       "measurement.recorded.heart_rate",
			Regime:         RegimeGeneral,
			Severity:       3,
			ParameterName:  strp("heart_rate"),
			ThresholdMin:   f64p(50),
			ThresholdMax:   f64p(120),
			Unit:           strp("bpm"),
			Action:         ActionNotify,
			NotifyOperator: true,
			AlertTypeCode:  "MEDICAL_THRESHOLD_EXCEEDED",
			Active:         true,
			CreatedBy:      "system",
		},
		{
			Name:           "Body temperature out of range",
			Description:    "Recorded body temperature outside the acceptable range",
			EventKey:       "measurement.recorded.temperature",
			Regime:         RegimeGeneral,
			Severity:       3,
			ParameterName:  strp("temperature"),
			ThresholdMin:   f64p(35),
			ThresholdMax:   f64p(39.5),
			Unit:           strp("°C"),
			Action:         ActionNotify,
			NotifyOperator: true,
			AlertTypeCode:  "MEDICAL_THRESHOLD_EXCEEDED",
			Active:         true,
			CreatedBy:      "system",
		},
		{
			Name:           "Consent validity expired",
			Description:    "Patient consent older than the maximum validity period",
			EventKey:       "consent.expired",
			Regime:         RegimeDataProtection,
			Severity:       3,
			Action:         ActionNotify,
			NotifyOperator: true,
			NotifyDPO:      true,
			AlertTypeCode:  "GDPR_CONSENT_EXPIRED",
			Active:         true,
			CreatedBy:      "system",
		},
		{
			Name:           "Bulk export volume limit",
			Description:    "Export request covering more subjects than authorized",
			EventKey:       "export.requested",
			Regime:         RegimeDataProtection,
			Severity:       4,
			MaxCount:       intp(100),
			Action:         ActionEscalate,
			NotifyOperator: true,
			NotifyDPO:      true,
			AlertTypeCode:  "BULK_EXPORT_SUSPICIOUS",
			Active:         true,
			CreatedBy:      "system",
		},
	}
}

// SeedDefaults installs the alert type catalog and, on a fresh
// database, the default rule set.
func SeedDefaults(ctx context.Context, types *AlertTypeRepository, rules *RuleRepository, logger *slog.Logger) error {
	inserted, err := types.Seed(ctx, DefaultAlertTypes)
	if err != nil {
		return fmt.Errorf("failed to seed alert types: %w", err)
	}
	if inserted > 0 {
		logger.Info("Seeded alert types", "inserted", inserted)
	}

	count, err := rules.Count(ctx)
	if err != nil {
		return fmt.Errorf("failed to count rules: %w", err)
	}
	if count > 0 {
		return nil
	}

	for _, rule := range DefaultRules() {
		if err := rules.Create(ctx, rule); err != nil {
			return fmt.Errorf("failed to seed rule %q: %w", rule.Name, err)
		}
	}
	logger.Info("Seeded default rules", "count", len(DefaultRules()))
	return nil
}

func intp(v int) *int         { return &v }
func f64p(v float64) *float64 { return &v }
func strp(v string) *string   { return &v }
