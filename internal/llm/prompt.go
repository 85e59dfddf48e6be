package llm

import (
	"fmt"

	"crashgenius/internal/report"
)

const (
	evidenceTurn = "Here is the source evidence (photo or document)."
	evidenceAck  = "I have analyzed the provided evidence. I am ready to discuss the specifics."
)

func reportTurn(rep report.Report) string {
	return "Here is the generated damage report:\n" + report.Digest(rep)
}

func reportAck(rep report.Report) string {
	return fmt.Sprintf("Understood. I have the case file for %q. How can I assist with this claim?", rep.Title)
}

func reportSystemInstruction(lang Language) string {
	return fmt.Sprintf("You are a helpful, professional insurance adjuster. Output all content in %s.", lang.Name())
}

func chatSystemInstruction(lang Language) string {
	return fmt.Sprintf(`You are a highly intelligent insurance claims expert ("CarCrashGenius Bot").
You have access to a damage analysis report generated from crash evidence (photos or docs).
Your goal is to help the user understand the damage, the repair process, potential hidden costs, and insurance claim procedures.

Response Guidelines:
- Respond strictly in %s.
- Be objective, professional, and empathetic.
- If asked about costs, emphasize that these are estimates.
- If the user clicks on a damage item, they might ask "Explain the damage to...". Assume "this" refers to the last context provided.
- Warn about safety if the damage looks critical (e.g., suspension, airbags).`, lang.Name())
}

func freeTextPart(text string) string {
	return "Additional Incident/Document Context: " + text
}
