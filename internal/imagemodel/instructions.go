package imagemodel

import (
	"fmt"
	"strings"

	"github.com/rcourtman/memorial-studio/pkg/plans"
)

// SystemInstruction constrains the model to image-only, respectful output.
const SystemInstruction = `You are an advanced AI image processing engine specialized in memorial and funeral photography.
Your EXCLUSIVE goal is to perform the specified editing task on the uploaded image.
CONSTRAINTS:
- OUTPUT ONLY THE FINAL PROCESSED IMAGE DATA.
- NO TEXTUAL EXPLANATIONS.
- Treat every image with the utmost respect and dignity.
- Follow the user's instruction precisely.`

var operationInstructions = map[plans.Operation]string{
	plans.OperationPortrait: "Create a formal memorial portrait from this photo. Crop to a standard portrait ratio (3:4). " +
		"The subject should appear in formal dark attire (black suit/jacket with white shirt). " +
		"Apply a clean, solid background (user may specify blue, black, white, or gray). " +
		"Ensure the face is clear, well-lit, and dignified. " +
		"Output a high-quality, solemn memorial portrait suitable for funeral services.",

	plans.OperationColorize: "Colorize this black and white memorial photograph. " +
		"Apply natural, realistic skin tones and clothing colors. Maintain the solemnity and dignity of the image. " +
		"Pay attention to fabric textures, hair color, and background tones. " +
		"The result should look like a naturally taken color photograph while preserving the historical character of the original.",

	plans.OperationAttire: "Replace the subject's current clothing with formal funeral attire: a dark black suit or jacket " +
		"with a clean white shirt and dark tie for men, or a dark formal outfit for women. " +
		"Keep the face, hair, and expression completely unchanged. " +
		"Blend the new attire seamlessly with the existing lighting and pose. The result should look natural and dignified.",

	plans.OperationBackground: "Remove the current background and replace it with a clean, professional solid-color background " +
		"suitable for a memorial portrait. Default to a soft gradient from dark blue to lighter blue if no specific color is requested. " +
		"Ensure clean edges around the subject with no artifacts. Maintain the subject's appearance exactly as-is.",

	plans.OperationComposite: "Combine the people from these multiple photos into a single, cohesive family portrait. " +
		"Align lighting, color temperature, and scale so all subjects appear naturally together. " +
		"Arrange them in a dignified group composition suitable for a memorial service. " +
		"Ensure faces are clear and expressions are respectful. The final image should look like a genuine family photograph.",

	plans.OperationPoster: "Create a dignified memorial poster using this portrait photo. " +
		"Place the photo prominently in the center or upper portion. " +
		"Add a solemn decorative border with subtle floral or geometric elements. " +
		"Leave space at the bottom for name and dates text (use placeholder text if not provided). " +
		"Use a dark, respectful color palette (deep navy, black, dark gray with gold or white accents). " +
		"The overall design should convey honor, respect, and remembrance.",
}

// BuildPrompt returns the instruction text for op, with any caller-supplied
// extra instructions appended.
func BuildPrompt(op plans.Operation, extra string) (string, error) {
	base, ok := operationInstructions[op]
	if !ok {
		return "", fmt.Errorf("unknown operation %q", op)
	}
	extra = strings.TrimSpace(extra)
	if extra == "" {
		return base, nil
	}
	return base + "\n\nAdditional instructions: " + extra, nil
}
