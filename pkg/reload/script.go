package reload

const (
	// EventsPath is the SSE endpoint
	EventsPath = "/__pageforge/livereload"
	// ScriptPath serves ClientScript
	ScriptPath = "/__pageforge/livereload.js"
)

// ScriptTag is inserted into served HTML pages
const ScriptTag = `<script src="` + ScriptPath + `"></script>`

// ClientScript connects to the hub. "inject" events for styles re-request
// every stylesheet with a cache-busting query; anything else reloads.
const ClientScript = `(function () {
  if (window.__pageforgeLR) return;
  window.__pageforgeLR = true;
  function refreshStyles(id) {
    var links = document.querySelectorAll('link[rel="stylesheet"]');
    for (var i = 0; i < links.length; i++) {
      var href = links[i].getAttribute('href');
      if (!href || /^(https?:)?\/\//.test(href)) continue;
      links[i].setAttribute('href', href.replace(/([?&])_lr=[^&]*&?/, '$1').replace(/[?&]$/, '') +
        (href.indexOf('?') < 0 ? '?' : '&') + '_lr=' + id);
    }
  }
  function connect() {
    var es = new EventSource('` + EventsPath + `');
    es.onmessage = function (e) {
      var msg;
      try { msg = JSON.parse(e.data); } catch (_) { return; }
      if (msg.type === 'inject' && msg.asset === 'styles') {
        refreshStyles(msg.id);
      } else {
        window.location.reload();
      }
    };
    es.onerror = function () {
      es.close();
      setTimeout(connect, 2000);
    };
  }
  connect();
})();
`
