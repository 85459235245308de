package web

import (
	"fmt"
	"html/template"
	"io"
	"time"

	"github.com/sweeney/heating-controller/internal/status"
)

var indexTmpl = template.Must(template.New("index").Funcs(template.FuncMap{
	"uptime": func(d time.Duration) string {
		d = d.Truncate(time.Second)
		days := int(d.Hours()) / 24
		h := int(d.Hours()) % 24
		m := int(d.Minutes()) % 60
		s := int(d.Seconds()) % 60
		if days > 0 {
			return fmt.Sprintf("%dd %dh %dm %ds", days, h, m, s)
		}
		if h > 0 {
			return fmt.Sprintf("%dh %dm %ds", h, m, s)
		}
		if m > 0 {
			return fmt.Sprintf("%dm %ds", m, s)
		}
		return fmt.Sprintf("%ds", s)
	},
	"celsius": func(v *float64) string {
		if v == nil {
			return "–"
		}
		return fmt.Sprintf("%.1f°C", *v)
	},
	"percent": func(v *float64) string {
		return fmt.Sprintf("%.0f%%", *v)
	},
	"target": func(t float64, until string) string {
		switch until {
		case "boost":
			return "boost"
		case "pause":
			return "pause"
		}
		return fmt.Sprintf("%.1f°C until %s", t, until)
	},
}).Parse(indexHTML))

const indexHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Heating Controller</title>
<style>
body { font-family: monospace; max-width: 720px; margin: 2em auto; padding: 0 1em; }
h1 { font-size: 1.4em; }
table { border-collapse: collapse; width: 100%; margin: 1em 0; }
td, th { text-align: left; padding: 4px 8px; border-bottom: 1px solid #ddd; }
.on { color: green; font-weight: bold; }
.off { color: #888; }
.unknown { color: orange; }
.connected { color: green; }
.disconnected { color: red; }
.live-dot { display: inline-block; width: 8px; height: 8px; border-radius: 50%; margin-left: 6px; vertical-align: middle; }
.live-dot.ok { background: green; }
.live-dot.err { background: red; }
.live-dot.pending { background: orange; }
</style>
</head>
<body>
<h1>Heating Controller{{if .Config.WSBroker}}<span id="live-dot" class="live-dot pending" title="connecting"></span>{{end}}</h1>

<h2>Rooms</h2>
{{if .Rooms}}<table>
<tr><th>Room</th><th>Current</th><th>Target</th><th>Engine</th><th>Source</th></tr>
{{range .Rooms}}<tr>
<td><a href="/rooms/{{.Room}}">{{.Room}}</a></td>
<td>{{celsius .Temperature}}{{if .Humidity}} / {{percent .Humidity}}{{end}}</td>
<td>{{target .Target.Temp .Target.Until}}</td>
<td id="engine-{{.Room}}" class="{{if .EngineOn}}on{{else}}off{{end}}">{{if .EngineOn}}ON{{else}}OFF{{end}}</td>
<td>{{if .Skipped}}<span class="unknown">{{.Skipped}}</span>{{else}}{{.Source}}{{end}}</td>
</tr>{{end}}
</table>{{else}}<p class="unknown">waiting for first evaluation</p>{{end}}

<h2>Control</h2>
<table>
<tr><th>Mode</th><td>{{.Config.Mode}}</td></tr>
<tr><th>AI</th><td>{{if .AIEnabled}}enabled{{else}}disabled{{end}}</td></tr>
<tr><th>Weather</th><td>{{.Weather}}</td></tr>
<tr><th>Last tick</th><td>{{if .Ready}}{{.LastTick.UTC.Format "2006-01-02T15:04:05Z"}}{{else}}never{{end}}</td></tr>
</table>

<h2>Connectivity</h2>
<table>
<tr><th>MQTT</th><td class="{{if .MQTTConnected}}connected{{else}}disconnected{{end}}">{{if .MQTTConnected}}connected{{else}}disconnected{{end}}</td></tr>
<tr><th>Broker</th><td>{{.Config.Broker}}</td></tr>
{{if .Network}}<tr><th>Network</th><td>{{.Network.Status}} ({{.Network.Type}}{{if .Network.SSID}}, {{.Network.SSID}}{{end}})</td></tr>
<tr><th>IP</th><td>{{.Network.IP}}</td></tr>{{end}}
</table>

<h2>Event Counts</h2>
<table>
<tr><th>Engine ON</th><td>{{.Counts.On}}</td></tr>
<tr><th>Engine OFF</th><td>{{.Counts.Off}}</td></tr>
</table>

<h2>System</h2>
<table>
<tr><th>Uptime</th><td>{{uptime .Uptime}}</td></tr>
<tr><th>Started</th><td>{{.StartTime.UTC.Format "2006-01-02T15:04:05Z"}}</td></tr>
<tr><th>Update interval</th><td>{{.Config.UpdateIntervalMs}}ms</td></tr>
<tr><th>Heartbeat</th><td>{{if eq .Config.HeartbeatMs 0}}disabled{{else}}{{.Config.HeartbeatMs}}ms{{end}}</td></tr>
<tr><th>HTTP</th><td>{{.Config.HTTPPort}}</td></tr>
</table>

<p><a href="/index.json">JSON</a> · <a href="/metrics">metrics</a></p>
{{if .Config.WSBroker}}
<script src="https://unpkg.com/mqtt@5/dist/mqtt.min.js"></script>
<script>
(function() {
  var broker = "{{.Config.WSBroker}}";
  var topic = "heating/events";
  var dot = document.getElementById("live-dot");

  function setDot(cls, title) {
    dot.className = "live-dot " + cls;
    dot.title = title;
  }

  var client = mqtt.connect(broker, { reconnectPeriod: 5000 });

  client.on("connect", function() {
    setDot("ok", "live");
    client.subscribe(topic);
  });

  client.on("reconnect", function() {
    setDot("pending", "reconnecting");
  });

  client.on("offline", function() {
    setDot("err", "offline");
  });

  client.on("error", function() {
    setDot("err", "error");
  });

  client.on("message", function(t, payload) {
    try {
      var msg = JSON.parse(payload.toString());
      if (msg.heating) {
        var el = document.getElementById("engine-" + msg.heating.room);
        if (el) {
          el.textContent = msg.heating.state;
          el.className = msg.heating.state === "ON" ? "on" : "off";
        }
      }
    } catch (e) {}
  });
})();
</script>
{{end}}
</body>
</html>
`

func renderHTML(w io.Writer, snap status.Snapshot) {
	// Snapshot has Uptime() and Ready() methods but the template reads fields.
	data := struct {
		status.Snapshot
		Uptime time.Duration
		Ready  bool
	}{
		Snapshot: snap,
		Uptime:   snap.Uptime(),
		Ready:    snap.Ready(),
	}
	indexTmpl.Execute(w, data)
}
