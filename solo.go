// Flagparty solo mode
//
// One flag per page load, six shuffled options, and a running tally of
// correct and incorrect answers kept for the life of the process. No
// session, no identity: pick, see the next flag, reset when bored.

package main

import (
	"net/http"
	"sync"

	"github.com/julienschmidt/httprouter"
)

type soloTally struct {
	mu        sync.Mutex
	correct   int
	incorrect int
}

type soloPageData struct {
	Prefix         string
	CountryCode    string
	FlagURL        string
	Options        []Country
	CorrectCount   int
	IncorrectCount int
}

func serveSoloPage(cfg *Config, catalog *Catalog, tally *soloTally) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		target := catalog.randomCountry("")
		options := catalog.countryOptions(target, cfg.optionCount)

		tally.mu.Lock()
		correct, incorrect := tally.correct, tally.incorrect
		tally.mu.Unlock()

		renderPage(cfg, w, "play.html", soloPageData{
			Prefix:         cfg.prefix,
			CountryCode:    target.Code,
			FlagURL:        flagURL(target.Code, true),
			Options:        options,
			CorrectCount:   correct,
			IncorrectCount: incorrect,
		})
	}
}

func soloGuessHandler(cfg *Config, tally *soloTally) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "invalid form", http.StatusBadRequest)
			return
		}

		country := r.FormValue("country")
		guess := r.FormValue("guess")

		tally.mu.Lock()
		if country != "" && country == guess {
			tally.correct++
		} else {
			tally.incorrect++
		}
		tally.mu.Unlock()

		http.Redirect(w, r, cfg.prefix+"/play", http.StatusSeeOther)
	}
}

func soloResetHandler(cfg *Config, tally *soloTally) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		tally.mu.Lock()
		tally.correct = 0
		tally.incorrect = 0
		tally.mu.Unlock()

		http.Redirect(w, r, cfg.prefix+"/play", http.StatusSeeOther)
	}
}

// registerSolo sets up single-player mode:
//   - /play   → one flag and its options
//   - /guess  → record an answer, show the next flag
//   - /reset  → zero the tally
func registerSolo(cfg *Config, mux *httprouter.Router, catalog *Catalog) {
	tally := &soloTally{}

	mux.GET(cfg.prefix+"/play", serveSoloPage(cfg, catalog, tally))
	mux.POST(cfg.prefix+"/guess", soloGuessHandler(cfg, tally))
	mux.POST(cfg.prefix+"/reset", soloResetHandler(cfg, tally))
}
