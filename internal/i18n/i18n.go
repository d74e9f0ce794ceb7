package i18n

import (
	"path"
	"sync"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"

	"github.com/iamwavecut/modbot/resources"
)

const (
	resourcesPath   = "i18n"
	defaultLanguage = "en"
)

var state = struct {
	sync.RWMutex
	translations map[string]map[string]string
	loaded       map[string]bool
}{
	translations: make(map[string]map[string]string),
	loaded:       make(map[string]bool),
}

func load(lang string) map[string]string {
	state.Lock()
	defer state.Unlock()

	if state.loaded[lang] {
		return state.translations[lang]
	}
	state.loaded[lang] = true

	raw, err := resources.FS.ReadFile(path.Join(resourcesPath, lang+".yml"))
	if err != nil {
		log.WithError(err).WithField("lang", lang).Warn("cant load i18n")
		return nil
	}
	translations := make(map[string]string)
	if err := yaml.Unmarshal(raw, &translations); err != nil {
		log.WithError(err).WithField("lang", lang).Error("cant unmarshal i18n")
		return nil
	}
	state.translations[lang] = translations
	return translations
}

// Get returns the translation of key, falling back to the key itself, which
// doubles as the English text.
func Get(key, lang string) string {
	if lang == "" || lang == defaultLanguage {
		return key
	}

	state.RLock()
	translations, loaded := state.translations[lang], state.loaded[lang]
	state.RUnlock()
	if !loaded {
		translations = load(lang)
	}

	if res, ok := translations[key]; ok {
		return res
	}
	log.WithField("lang", lang).Tracef("no translation for key %q", key)
	return key
}

// Languages lists the locales with an embedded dictionary, English included.
func Languages() []string {
	langs := []string{defaultLanguage}
	entries, err := resources.FS.ReadDir(resourcesPath)
	if err != nil {
		return langs
	}
	for _, entry := range entries {
		name := entry.Name()
		if path.Ext(name) == ".yml" {
			langs = append(langs, name[:len(name)-len(".yml")])
		}
	}
	return langs
}
