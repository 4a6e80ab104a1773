package handlers

import "github.com/example/icba-classifier/internal/labels"

type pageText struct {
	Language        string
	Title           string
	UploadPrompt    string
	ClassifyButton  string
	DiseasesLink    string
	ResultHeading   string
	ConfidenceLabel string
	AnotherLink     string
	ErrorHeading    string
}

var pageTexts = map[labels.Locale]pageText{
	labels.Default: {
		Language:        "English",
		Title:           "ICBA Plant Disease Classifier",
		UploadPrompt:    "Upload a leaf image to identify the disease.",
		ClassifyButton:  "Classify",
		DiseasesLink:    "Known diseases",
		ResultHeading:   "Diagnosis",
		ConfidenceLabel: "Confidence",
		AnotherLink:     "Classify another image",
		ErrorHeading:    "Error",
	},
	labels.French: {
		Language:        "Français",
		Title:           "Classificateur de maladies des plantes ICBA",
		UploadPrompt:    "Téléversez une image de feuille pour identifier la maladie.",
		ClassifyButton:  "Classer",
		DiseasesLink:    "Maladies connues",
		ResultHeading:   "Diagnostic",
		ConfidenceLabel: "Confiance",
		AnotherLink:     "Classer une autre image",
		ErrorHeading:    "Erreur",
	},
	labels.Arabic: {
		Language:        "العربية",
		Title:           "مصنف أمراض النباتات - إيكبا",
		UploadPrompt:    "حمّل صورة ورقة نبات لتحديد المرض.",
		ClassifyButton:  "تصنيف",
		DiseasesLink:    "الأمراض المعروفة",
		ResultHeading:   "التشخيص",
		ConfidenceLabel: "درجة الثقة",
		AnotherLink:     "تصنيف صورة أخرى",
		ErrorHeading:    "خطأ",
	},
}

// page is the data every locale template renders from.
type page struct {
	Lang       string
	Dir        string
	Prefix     string
	Text       pageText
	Message    string
	Disease    labels.Disease
	Diseases   []labels.Disease
	Confidence int
}

func newPage(l labels.Locale) page {
	return page{
		Lang:   l.Lang(),
		Dir:    l.Dir(),
		Prefix: l.Prefix(),
		Text:   pageTexts[l],
	}
}
