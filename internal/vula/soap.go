package vula

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strings"

	"obsapi.org/internal/apperr"
)

const namespace = "http://webservices.sakaiproject.org/"

// Endpoint paths of the three web services the session talks to.
const (
	loginPath = "/sakai-ws/soap/login"
	sakaiPath = "/sakai-ws/soap/sakai"
	uctPath   = "/sakai-ws/soap/uct"
)

type param struct {
	name  string
	value string
}

type envelope struct {
	Body struct {
		Fault *struct {
			Code   string `xml:"faultcode"`
			String string `xml:"faultstring"`
		} `xml:"Fault"`
		Response struct {
			Return string `xml:"return"`
		} `xml:",any"`
	} `xml:"Body"`
}

// call invokes one document/literal operation and returns its <return> text.
func call(ctx context.Context, client *http.Client, endpoint, op string, params ...param) (string, error) {
	var buf bytes.Buffer
	buf.WriteString(`<?xml version="1.0" encoding="UTF-8"?>`)
	buf.WriteString(`<soapenv:Envelope xmlns:soapenv="http://schemas.xmlsoap.org/soap/envelope/" xmlns:ws="` + namespace + `">`)
	buf.WriteString(`<soapenv:Body><ws:` + op + `>`)
	for _, p := range params {
		buf.WriteString("<" + p.name + ">")
		if err := xml.EscapeText(&buf, []byte(p.value)); err != nil {
			return "", err
		}
		buf.WriteString("</" + p.name + ">")
	}
	buf.WriteString(`</ws:` + op + `></soapenv:Body></soapenv:Envelope>`)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "text/xml; charset=utf-8")
	req.Header.Set("SOAPAction", `""`)

	resp, err := client.Do(req)
	if err != nil {
		return "", apperr.Upstream(service, op, 0, err)
	}
	body, readErr := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	_ = resp.Body.Close()
	if readErr != nil {
		return "", apperr.Upstream(service, op, resp.StatusCode, readErr)
	}

	var env envelope
	if err := xml.Unmarshal(body, &env); err != nil {
		if resp.StatusCode >= 300 {
			return "", apperr.Upstream(service, op, resp.StatusCode, fmt.Errorf("message=%s", http.StatusText(resp.StatusCode)))
		}
		return "", apperr.Upstream(service, op, resp.StatusCode, fmt.Errorf("decode envelope: %w", err))
	}
	if f := env.Body.Fault; f != nil {
		return "", apperr.Upstream(service, op, resp.StatusCode, fmt.Errorf("fault %s: %s", f.Code, f.String))
	}
	if resp.StatusCode >= 300 {
		return "", apperr.Upstream(service, op, resp.StatusCode, fmt.Errorf("message=%s", http.StatusText(resp.StatusCode)))
	}
	return strings.TrimSpace(env.Body.Response.Return), nil
}
