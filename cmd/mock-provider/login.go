package main

import "html/template"

var loginTemplate = template.Must(template.New("login").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8">
  <title>Mock {{.Provider}} consent</title>
  <style>
    body { font-family: system-ui, sans-serif; background: #111; display: flex; justify-content: center; padding: 48px; }
    .card { background: #fff; border-radius: 8px; padding: 28px; width: 380px; }
    .badge { background: #e5484d; color: #fff; font-size: 11px; border-radius: 99px; padding: 2px 10px; text-transform: uppercase; }
    label { display: flex; gap: 12px; align-items: center; border: 1px solid #ddd; border-radius: 8px; padding: 10px; margin: 8px 0; cursor: pointer; }
    img { width: 40px; height: 40px; border-radius: 50%; }
    .scope { color: #666; font-size: 13px; word-break: break-all; }
    button { width: 100%; padding: 10px; border: 0; border-radius: 8px; background: #111; color: #fff; margin-top: 6px; }
    button.deny { background: #eee; color: #111; }
  </style>
</head>
<body>
  <div class="card">
    <span class="badge">mock</span>
    <h1>Connect to <span style="text-transform: capitalize">{{.Provider}}</span></h1>
    {{if .Scope}}<p class="scope">Requested: {{.Scope}}</p>{{end}}
    <form method="POST" action="/login/submit">
      <input type="hidden" name="request" value="{{.Request}}">
      {{range $i, $u := .Users}}
      <label>
        <input type="radio" name="user_id" value="{{$u.ID}}" {{if eq $i 0}}checked{{end}}>
        <img src="{{$u.ProfileImageURL}}" alt="">
        <span><strong>{{$u.Name}}</strong><br>@{{$u.Username}} &middot; {{$u.Email}}</span>
      </label>
      {{end}}
      <button type="submit" name="decision" value="allow">Allow</button>
      <button type="submit" name="decision" value="deny" class="deny">Deny</button>
    </form>
  </div>
</body>
</html>`))
