package exec

import (
	"codecollab/internal/config"
	"codecollab/internal/models"
)

// fallbackExtension is used for languages the dispatcher cannot run.
const fallbackExtension = ".txt"

type languageSpec struct {
	extension string
	compiled  bool
}

var languageSpecs = map[models.Language]languageSpec{
	models.LangPython:     {extension: ".py"},
	models.LangCPP:        {extension: ".cpp", compiled: true},
	models.LangC:          {extension: ".c", compiled: true},
	models.LangJavaScript: {extension: ".js"},
}

// Extension returns the source file extension for lang.
func Extension(lang models.Language) string {
	if spec, ok := languageSpecs[lang]; ok {
		return spec.extension
	}
	return fallbackExtension
}

// Languages describes every runnable language, in display order.
func Languages() []models.LanguageInfo {
	out := make([]models.LanguageInfo, 0, len(models.Languages))
	for _, lang := range models.Languages {
		spec := languageSpecs[lang]
		out = append(out, models.LanguageInfo{Name: lang, Extension: spec.extension, Compiled: spec.compiled})
	}
	return out
}

// compiler returns the toolchain binary that builds lang, or "" for interpreted languages.
func compiler(lang models.Language, tools config.ToolchainConfig) string {
	switch lang {
	case models.LangCPP:
		return tools.GPP
	case models.LangC:
		return tools.GCC
	}
	return ""
}

// interpreter returns the runtime binary for an interpreted lang, or "".
func interpreter(lang models.Language, tools config.ToolchainConfig) string {
	switch lang {
	case models.LangPython:
		return tools.Python
	case models.LangJavaScript:
		return tools.Node
	}
	return ""
}

// image returns the container image for lang.
func image(lang models.Language, cfg config.DockerConfig) string {
	switch lang {
	case models.LangPython:
		return cfg.PythonImage
	case models.LangC:
		return cfg.CImage
	case models.LangCPP:
		return cfg.CPPImage
	case models.LangJavaScript:
		return cfg.NodeImage
	}
	return ""
}
