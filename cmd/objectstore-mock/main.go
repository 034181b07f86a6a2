package main

import (
	"errors"
	"flag"
	"io/fs"
	"log"
	"net/http"
	"os"
	"path"
	"path/filepath"
)

func main() {
	var (
		port    = flag.String("port", "9099", "port to listen on")
		root    = flag.String("root", "mock-objects", "directory holding <bucket>/<key> files")
		apiKey  = flag.String("api-key", os.Getenv("OBJECTSTORE_API_KEY"), "required X-API-Key value; empty disables the check")
		logReqs = flag.Bool("log", false, "enable request logging")
	)
	flag.Parse()

	if info, err := os.Stat(*root); err != nil || !info.IsDir() {
		log.Fatalf("mock root %q is not a directory", *root)
	}

	mux := http.NewServeMux()
	mux.Handle("GET /objects/{bucket}/{key...}", objectHandler(os.DirFS(*root), *apiKey, *logReqs))

	addr := ":" + *port
	log.Printf("mock objectstore serving %s on %s", *root, addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func objectHandler(fsys fs.FS, apiKey string, logReqs bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if apiKey != "" && r.Header.Get("X-API-Key") != apiKey {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		name := path.Join(r.PathValue("bucket"), r.PathValue("key"))
		if logReqs {
			log.Printf("GET %s", name)
		}
		data, err := fs.ReadFile(fsys, filepath.ToSlash(name))
		switch {
		case errors.Is(err, fs.ErrNotExist), errors.Is(err, fs.ErrInvalid):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		case err != nil:
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/csv")
		w.Write(data)
	})
}
