package qgis

import "fmt"

// FakeProject is a no-op Project used by FakeHandler and by tests of the
// worker/supervisor layers that never touch real QGIS state.
type FakeProject struct {
	uri string
}

func (p *FakeProject) URI() string { return p.uri }

// FakeHandler implements Handler without any QGIS dependency. It echoes the
// request path as a plain-text body, which is enough to exercise the full
// pipe/RPC/gateway round trip in tests and in environments without the
// native library installed.
type FakeHandler struct {
	env     map[string]string
	plugins []Plugin
}

// NewFakeHandler builds a FakeHandler with a fixed environment and plugin list.
func NewFakeHandler() *FakeHandler {
	return &FakeHandler{
		env: map[string]string{
			"qgis_version": "fake-3.40",
			"gdal_version": "fake-3.9",
		},
		plugins: []Plugin{
			{Name: "wfsOutputExtension", Version: "1.0"},
		},
	}
}

func (h *FakeHandler) HandleRequest(req Request, w ResponseWriter, project Project) error {
	w.SetStatus(200)
	w.SetHeader("content-type", "text/plain")

	body := fmt.Sprintf("ok %s %s", req.Method, req.Path)
	if project != nil {
		body = fmt.Sprintf("%s project=%s", body, project.URI())
	}

	if _, err := w.Write([]byte(body)); err != nil {
		return err
	}
	return w.Close()
}

func (h *FakeHandler) LoadProject(url string) (Project, error) {
	return &FakeProject{uri: url}, nil
}

func (h *FakeHandler) Plugins() []Plugin {
	return h.plugins
}

func (h *FakeHandler) Env() map[string]string {
	return h.env
}
