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

package fleet

// This file is the canonical translation from request models to the flat
// dot-path Helm values dict. The deployer writes the dict through a YAML
// values file; list values cannot go through --set.

const (
	defaultLogLevel = "info"
	defaultDBType   = "badgerdb"
)

// CreateValues converts a create request into Helm values. Nil sub-configs
// emit no keys so the chart defaults apply.
func CreateValues(req *CreateRequest) map[string]any {
	logLevel := req.LogLevel
	if logLevel == "" {
		logLevel = defaultLogLevel
	}
	dbType := req.DBType
	if dbType == "" {
		dbType = defaultDBType
	}

	vals := map[string]any{
		"network":  string(req.Network),
		"replicas": req.Replicas,
		"logLevel": logLevel,
		"dbType":   dbType,
	}

	if req.Image != nil {
		vals["image.repository"] = req.Image.Repository
		vals["image.tag"] = req.Image.Tag
		vals["image.pullPolicy"] = req.Image.PullPolicy
	}

	if req.Bootstrap != nil {
		b := req.Bootstrap
		vals["bootstrap.useHostnames"] = b.UseHostnames
		if len(b.NodeIDs) > 0 {
			vals["bootstrap.nodeIDs"] = b.NodeIDs
		}
		if len(b.ExternalIPs) > 0 {
			vals["bootstrap.externalIPs"] = b.ExternalIPs
		}
		r := b.RLPImport
		vals["bootstrap.rlpImport.enabled"] = r.Enabled
		vals["bootstrap.rlpImport.baseUrl"] = r.BaseURL
		vals["bootstrap.rlpImport.rlpFilename"] = r.RLPFilename
		vals["bootstrap.rlpImport.multiPart"] = r.MultiPart
		if len(r.Parts) > 0 {
			vals["bootstrap.rlpImport.parts"] = r.Parts
		}
		vals["bootstrap.rlpImport.minHeight"] = r.MinHeight
		vals["bootstrap.rlpImport.timeout"] = r.Timeout
	}

	if req.Consensus != nil {
		c := req.Consensus
		vals["consensus.sampleSize"] = c.SampleSize
		vals["consensus.quorumSize"] = c.QuorumSize
		vals["consensus.sybilProtectionEnabled"] = c.SybilProtectionEnabled
		vals["consensus.requireValidatorToConnect"] = c.RequireValidatorToConnect
		vals["consensus.allowPrivateIPs"] = c.AllowPrivateIPs
	}

	if req.ChainTracking != nil {
		ct := req.ChainTracking
		vals["chainTracking.trackAllChains"] = ct.TrackAllChains
		if len(ct.TrackedChains) > 0 {
			vals["chainTracking.trackedChains"] = ct.TrackedChains
		}
		if len(ct.Aliases) > 0 {
			vals["chainTracking.aliases"] = ct.Aliases
		}
	}

	if req.Resources != nil {
		vals["resources.requests.memory"] = req.Resources.Requests.Memory
		vals["resources.requests.cpu"] = req.Resources.Requests.CPU
		vals["resources.limits.memory"] = req.Resources.Limits.Memory
		vals["resources.limits.cpu"] = req.Resources.Limits.CPU
	}

	if req.Storage != nil {
		vals["storage.size"] = req.Storage.Size
		vals["storage.storageClass"] = req.Storage.StorageClass
	}

	if req.NodeServices != nil {
		vals["nodeServices.enabled"] = req.NodeServices.Enabled
		vals["nodeServices.type"] = req.NodeServices.Type
	}

	if req.API != nil {
		vals["api.adminEnabled"] = req.API.AdminEnabled
		vals["api.metricsEnabled"] = req.API.MetricsEnabled
		vals["api.indexEnabled"] = req.API.IndexEnabled
		vals["api.httpAllowedHosts"] = req.API.HTTPAllowedHosts
	}

	return vals
}

// UpdateValues converts an update request into a strictly partial values
// dict: only provided fields appear, so the upgrade reuses everything else.
func UpdateValues(req *UpdateRequest) map[string]any {
	vals := map[string]any{}

	if req.Replicas != nil {
		vals["replicas"] = *req.Replicas
	}
	if req.LogLevel != nil {
		vals["logLevel"] = *req.LogLevel
	}
	if req.Image != nil {
		vals["image.repository"] = req.Image.Repository
		vals["image.tag"] = req.Image.Tag
		vals["image.pullPolicy"] = req.Image.PullPolicy
	}
	if req.Consensus != nil {
		c := req.Consensus
		vals["consensus.sampleSize"] = c.SampleSize
		vals["consensus.quorumSize"] = c.QuorumSize
		vals["consensus.sybilProtectionEnabled"] = c.SybilProtectionEnabled
	}
	if req.ChainTracking != nil {
		ct := req.ChainTracking
		vals["chainTracking.trackAllChains"] = ct.TrackAllChains
		if len(ct.TrackedChains) > 0 {
			vals["chainTracking.trackedChains"] = ct.TrackedChains
		}
	}
	if req.Resources != nil {
		vals["resources.requests.memory"] = req.Resources.Requests.Memory
		vals["resources.requests.cpu"] = req.Resources.Requests.CPU
		vals["resources.limits.memory"] = req.Resources.Limits.Memory
		vals["resources.limits.cpu"] = req.Resources.Limits.CPU
	}

	return vals
}
