package server

import (
	"bytes"
	"html/template"
	"net/http"
)

// successTemplate reads token and origin from its own URL so the credential is never
// rendered into markup by the server.
var successTemplate = template.Must(template.New("success").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="robots" content="noindex">
<title>Authorization complete</title>
<style>
body { font-family: Arial, sans-serif; margin: 3rem auto; max-width: 480px; color: #1d1d1f; text-align: center; }
.error { color: #b00020; }
</style>
</head>
<body>
<h1>GitHub login</h1>
<p id="status">Completing login&hellip;</p>
<script>
(function () {
  var params = new URLSearchParams(window.location.search);
  var token = params.get("token");
  var origin = params.get("origin");
  var status = document.getElementById("status");
  if (window.history && window.history.replaceState) {
    window.history.replaceState(null, "", window.location.pathname);
  }
  function fail(message) {
    status.textContent = message;
    status.className = "error";
  }
  if (!token) {
    fail("Token not provided.");
    return;
  }
  if (!origin || origin === "*") {
    fail("Refusing to send the credential: no target origin was provided.");
    return;
  }
  if (!window.opener) {
    fail("The window that started the login is no longer available. Close this window and try again.");
    return;
  }
  var payload = JSON.stringify({ token: token, provider: "github" });
  window.opener.postMessage("authorization:github:success:" + payload, origin);
  status.textContent = "Login complete. You can close this window.";
  window.close();
})();
</script>
</body>
</html>
`))

var errorTemplate = template.Must(template.New("error").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="robots" content="noindex">
<title>Authorization failed</title>
<style>
body { font-family: Arial, sans-serif; margin: 3rem auto; max-width: 480px; color: #1d1d1f; text-align: center; }
.error { color: #b00020; }
</style>
</head>
<body>
<h1>GitHub login failed</h1>
<p class="error" id="message">{{.Message}}</p>
<p><button type="button" onclick="window.close()">Close window</button></p>
{{if .Notify}}
<script>
(function () {
  var origin = {{.Origin}};
  var message = {{.Message}};
  if (window.opener) {
    window.opener.postMessage("authorization:github:error:" + JSON.stringify({ message: message }), origin);
  }
})();
</script>
{{end}}
</body>
</html>
`))

type errorView struct {
	Message string
	Origin  string
	Notify  bool
}

func newErrorView(message, origin string) errorView {
	return errorView{
		Message: message,
		Origin:  origin,
		Notify:  origin != "" && origin != "*" && extractOrigin(origin) == origin,
	}
}

// renderPage buffers the template so a failed render never leaves a half-written page.
func renderPage(w http.ResponseWriter, tmpl *template.Template, data any) error {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return err
	}
	noStore(w)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	_, err := buf.WriteTo(w)
	return err
}

// noStore keeps tokens in URLs out of caches and Referer headers.
func noStore(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Referrer-Policy", "no-referrer")
}
