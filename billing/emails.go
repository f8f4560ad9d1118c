package billing

import (
	"fmt"
	"strings"
	"time"
)

func welcomeBody(email, licenseKey string, plan Plan) string {
	name := "there"
	if at := strings.Index(email, "@"); at > 0 {
		name = email[:at]
	}

	return fmt.Sprintf(`Hello %s,

Thank you for subscribing to Sentimetry! Your %s plan is ready.

LICENSE DETAILS
License Key: %s
Plan: %s (%s/month)

GETTING STARTED
1. Open the Sentimetry node settings in your workflow editor
2. Paste your license key: %s
3. Start analyzing

NEED HELP?
Reply to this email or contact us at help@sentimetry.app

Best regards,
The Sentimetry Team`,
		name,
		plan.Name,
		licenseKey,
		plan.Name,
		formatAmount(plan.Amount),
		licenseKey)
}

func cancellationBody(periodEnd time.Time) string {
	until := "the end of your current billing period"
	if !periodEnd.IsZero() {
		until = periodEnd.Format("January 2, 2006")
	}

	return fmt.Sprintf(`Your Sentimetry subscription has been canceled.

Your license key keeps working until %s. After that, validations will be
rejected and your workflows will need a new subscription.

We'd love to know what we could have done better - just reply to this email.

The Sentimetry Team`, until)
}

func receiptBody() string {
	return `We received your payment - thank you!

Your usage counter has been reset for the new billing period.

The Sentimetry Team`
}

func paymentFailedBody() string {
	return `We could not process your latest Sentimetry payment.

Your license keeps working for now, but please update your payment method
to avoid an interruption. Your billing provider will retry automatically.

The Sentimetry Team`
}

func formatAmount(cents int64) string {
	return fmt.Sprintf("$%.2f", float64(cents)/100.0)
}
