package imagegen

import (
	"fmt"
	"strings"
)

// Scenario selects the staging of the in-context image.
type Scenario string

// Scenarios.
const (
	ScenarioLifestyle  Scenario = "LIFESTYLE"
	ScenarioIndustrial Scenario = "INDUSTRIAL"
)

// Variations generated for every product, in order.
const (
	VariationProductInUse = "product_in_use"
	VariationInstallation = "installation"
)

// Variations lists the images produced per product.
var Variations = []string{VariationProductInUse, VariationInstallation}

var lifestyleKeywords = []string{
	// furniture
	"bench", "chair", "seat", "table", "sofa", "couch", "stool", "furniture", "lounger", "hammock",
	"swing", "gazebo", "pergola", "planter", "pot", "bed", "cabinet", "shelf", "shelving", "desk",
	"ottoman", "recliner", "rocker", "loveseat", "sectional", "futon", "daybed", "chaise",
	// home and garden
	"garden", "outdoor", "patio", "deck", "bbq", "grill", "fire pit", "umbrella", "parasol",
	"fountain", "statue", "ornament", "decorative", "home", "living", "bedroom", "dining", "kitchen",
	"bathroom", "pool", "spa", "hot tub", "sauna", "playground", "toy", "pet", "dog", "cat", "bird",
	"aquarium", "lighting", "lamp", "chandelier", "sconce", "lantern", "rug", "carpet", "cushion",
	"pillow", "throw", "curtain", "blind", "drape", "vase", "bowl", "basket", "mirror",
	"picture frame", "wall decor", "candle", "diffuser",
}

// DetectScenario picks LIFESTYLE for furniture, home and garden products and
// INDUSTRIAL for everything else.
func DetectScenario(title, productType string) Scenario {
	text := strings.ToLower(title + " " + productType)
	for _, kw := range lifestyleKeywords {
		if strings.Contains(text, kw) {
			return ScenarioLifestyle
		}
	}
	return ScenarioIndustrial
}

func buildPrompt(variation string, scenario Scenario, title string, references int) string {
	var b strings.Builder
	if variation == VariationProductInUse {
		b.WriteString("Professional studio product photograph on a seamless pure white (#FFFFFF) background.\n")
		fmt.Fprintf(&b, "Product: %s\n", title)
		writeReferenceContext(&b, title, references)
		b.WriteString(`Recreate the product exactly: same colours, materials, shape, proportions and features.
Remove all text, logos and branding from the product.
Centre the product at a slight three-quarter angle, filling 70-80% of the frame.
Bright even high-key lighting. No floor line, shadows, halos, vignettes, gradients, people or props.`)
		return b.String()
	}

	b.WriteString("Photorealistic photograph of the product in its intended real-world use.\n")
	fmt.Fprintf(&b, "Product: %s\nScenario: %s\n", title, scenario)
	writeReferenceContext(&b, title, references)
	b.WriteString(`Keep the product identical to the references: design, colours, materials and proportions must not change.
Remove all text, logos and branding from the product and any company names from the scene.
`)
	if scenario == ScenarioLifestyle {
		b.WriteString(`Setting: garden, patio, deck or an inviting home interior with soft natural light and a blurred background.
People: a casually dressed person relaxing with or enjoying the product, partly visible or in the background.
Style: aspirational lifestyle magazine photography.`)
	} else {
		b.WriteString(`Setting: job site, workshop, garage or warehouse with realistic concrete, metal or wood surfaces.
People: a worker in appropriate work clothing or safety gear installing or operating the product; focus on hands.
Generic safety signage (CAUTION, EXIT) may appear in the background.
Style: documentary-style photography showing active use.`)
	}
	return b.String()
}

func writeReferenceContext(b *strings.Builder, title string, references int) {
	if references <= 1 {
		return
	}
	fmt.Fprintf(b, `Use all %d reference images to judge the real-world size and the complete setup of %q.
Show the product at its correct scale and fully assembled or loaded as the references show it.
`, references, title)
}
