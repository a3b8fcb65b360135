/*
Copyright 2024 The Bootnode Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package launcher

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
)

const webImage = "ghcr.io/hanzoai/bootnode:web-latest"

// corsSiblings lists every known cloud portal origin. Each tenant's API
// ingress allows all of them so portals can call each other's APIs.
var corsSiblings = []string{
	"https://cloud.lux.network",
	"https://cloud.pars.network",
	"https://cloud.zoo.network",
	"https://cloud.hanzo.network",
	"https://cloud.hanzo.ai",
	"https://bootno.de",
}

// corsOrigins prepends the tenant's own portal origin to the sibling list,
// deduplicating when the tenant is itself one of the siblings.
func corsOrigins(domain string) string {
	own := "https://cloud." + domain
	origins := []string{own}
	for _, sibling := range corsSiblings {
		if sibling != own {
			origins = append(origins, sibling)
		}
	}
	return strings.Join(origins, ",")
}

var webTemplate = template.Must(template.New("web").Parse(`apiVersion: apps/v1
kind: Deployment
metadata:
  name: {{ .Name }}-cloud-web
  namespace: {{ .Namespace }}
spec:
  replicas: {{ .Replicas }}
  selector:
    matchLabels:
      app: {{ .Name }}-cloud-web
  template:
    metadata:
      labels:
        app: {{ .Name }}-cloud-web
    spec:
      imagePullSecrets:
      - name: ghcr-secret
      containers:
      - name: web
        image: {{ .Image }}
        imagePullPolicy: Always
        ports:
        - name: http
          containerPort: 3001
        env:
        - name: NODE_ENV
          value: production
        - name: NEXT_PUBLIC_BRAND
          value: "{{ .Name }}"
        - name: BRAND
          value: "{{ .Name }}"
        - name: NEXT_PUBLIC_API_URL
          value: "https://api.cloud.{{ .Domain }}"
        - name: NEXT_PUBLIC_WS_URL
          value: "wss://ws.cloud.{{ .Domain }}"
        - name: NEXT_PUBLIC_IAM_URL
          value: "https://hanzo.id"
        - name: NEXT_PUBLIC_IAM_CLIENT_ID
          value: "{{ .IAMClientID }}"
        - name: NEXT_PUBLIC_IAM_DOMAIN
          value: "{{ .IAMDomain }}"
        - name: NEXT_PUBLIC_AUTH_MODE
          value: iam
        livenessProbe:
          httpGet:
            path: /
            port: 3001
          initialDelaySeconds: 30
          periodSeconds: 30
        readinessProbe:
          httpGet:
            path: /
            port: 3001
          initialDelaySeconds: 10
          periodSeconds: 10
        resources:
          requests:
            cpu: 100m
            memory: 256Mi
          limits:
            cpu: 500m
            memory: 512Mi
---
apiVersion: v1
kind: Service
metadata:
  name: {{ .Name }}-cloud-web
  namespace: {{ .Namespace }}
spec:
  selector:
    app: {{ .Name }}-cloud-web
  ports:
  - port: 3001
    targetPort: 3001
`))

var ingressTemplate = template.Must(template.New("ingress").Parse(`apiVersion: networking.k8s.io/v1
kind: Ingress
metadata:
  name: {{ .Name }}-cloud-ingress
  namespace: {{ .Namespace }}
  annotations:
    cert-manager.io/cluster-issuer: letsencrypt-prod
    nginx.ingress.kubernetes.io/proxy-body-size: "50m"
spec:
  ingressClassName: nginx
  rules:
  - host: cloud.{{ .Domain }}
    http:
      paths:
      - backend:
          service:
            name: {{ .Name }}-cloud-web
            port:
              number: 3001
        path: /
        pathType: Prefix
  tls:
  - hosts:
    - cloud.{{ .Domain }}
    secretName: {{ .Name }}-cloud-web-tls
---
apiVersion: networking.k8s.io/v1
kind: Ingress
metadata:
  name: {{ .Name }}-cloud-api-ingress
  namespace: {{ .Namespace }}
  annotations:
    cert-manager.io/cluster-issuer: letsencrypt-prod
    nginx.ingress.kubernetes.io/proxy-body-size: "50m"
    nginx.ingress.kubernetes.io/enable-cors: "true"
    nginx.ingress.kubernetes.io/cors-allow-origin: "{{ .CORSOrigins }}"
    nginx.ingress.kubernetes.io/cors-allow-methods: "GET, POST, PUT, PATCH, DELETE, OPTIONS"
    nginx.ingress.kubernetes.io/cors-allow-headers: "DNT,Keep-Alive,User-Agent,X-Requested-With,If-Modified-Since,Cache-Control,Content-Type,Range,Authorization,X-API-Key"
    nginx.ingress.kubernetes.io/cors-allow-credentials: "true"
    nginx.ingress.kubernetes.io/cors-max-age: "600"
spec:
  ingressClassName: nginx
  rules:
  - host: api.cloud.{{ .Domain }}
    http:
      paths:
      - backend:
          service:
            name: bootnode-api
            port:
              number: 80
        path: /
        pathType: Prefix
  tls:
  - hosts:
    - api.cloud.{{ .Domain }}
    secretName: {{ .Name }}-cloud-api-tls
`))

type manifestData struct {
	Name        string
	Namespace   string
	Domain      string
	Image       string
	Replicas    int
	IAMClientID string
	IAMDomain   string
	CORSOrigins string
}

func renderWebManifest(n *Network) (string, error) {
	var buf bytes.Buffer
	err := webTemplate.Execute(&buf, manifestData{
		Name:        n.Name,
		Namespace:   n.Namespace,
		Domain:      n.BrandDomain,
		Image:       webImage,
		Replicas:    n.WebReplicas,
		IAMClientID: n.IAMClientID,
		IAMDomain:   n.IAMDomain,
	})
	if err != nil {
		return "", fmt.Errorf("failed to render web manifest: %w", err)
	}
	return buf.String(), nil
}

func renderIngressManifest(n *Network) (string, error) {
	var buf bytes.Buffer
	err := ingressTemplate.Execute(&buf, manifestData{
		Name:        n.Name,
		Namespace:   n.Namespace,
		Domain:      n.BrandDomain,
		CORSOrigins: corsOrigins(n.BrandDomain),
	})
	if err != nil {
		return "", fmt.Errorf("failed to render ingress manifest: %w", err)
	}
	return buf.String(), nil
}
